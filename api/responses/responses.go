// Package responses renders HTTP responses, the way api/responses does in
// the teacher: RFC 7807 problem bodies for errors, a small success
// envelope for admin mutation endpoints. The core borrow/return/submit
// endpoints write their exact spec-mandated success bodies directly; only
// their error bodies go through this package — see api/handlers.go.
package responses

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	poolerrors "github.com/r33drichards/ip-allocator-webserver/pkg/errors"
)

// MutationResult is the body returned by admin mutation endpoints
// (force-return, delete), matching the {success, message} shape the
// original admin handlers used.
type MutationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OK writes a 200 MutationResult.
func OK(c *gin.Context, message string) {
	c.JSON(http.StatusOK, MutationResult{Success: true, Message: message})
}

// Error writes an RFC 7807 problem body, stamping a timestamp and the
// request path the way Error() does in the teacher.
func Error(c *gin.Context, problem *poolerrors.ProblemDetails) {
	if problem.Instance == "" {
		problem.Instance = c.Request.URL.Path
	}
	problem.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}
