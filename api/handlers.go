package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/r33drichards/ip-allocator-webserver/api/responses"
	"github.com/r33drichards/ip-allocator-webserver/internal/engine"
	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
	"github.com/r33drichards/ip-allocator-webserver/internal/registry"
	"github.com/r33drichards/ip-allocator-webserver/internal/store"
	poolerrors "github.com/r33drichards/ip-allocator-webserver/pkg/errors"
)

// writeOutcome renders an engine.Outcome as either the async-accepted
// {operation_id} body (202) or the raw business result (200), per §6.
func writeOutcome(c *gin.Context, outcome engine.Outcome) {
	if outcome.Async {
		c.JSON(http.StatusAccepted, gin.H{"operation_id": outcome.OperationID})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", outcome.Result)
}

// writeEngineError maps a sentinel or typed engine error onto the RFC
// 7807 dispositions in §7.
func writeEngineError(c *gin.Context, err error) {
	var subFailed *engine.SubscriberFailedError
	var storeUnavail *engine.StoreUnavailableError

	switch {
	case errors.Is(err, engine.ErrPoolExhausted):
		responses.Error(c, poolerrors.NewPoolExhaustedError(err.Error(), ""))
	case errors.Is(err, engine.ErrInvalidToken):
		responses.Error(c, poolerrors.NewInvalidTokenError(err.Error(), ""))
	case errors.Is(err, engine.ErrInvalidItem):
		responses.Error(c, poolerrors.NewInvalidItemError(err.Error(), ""))
	case errors.As(err, &subFailed):
		responses.Error(c, poolerrors.NewSubscriberFailedError(subFailed.Message, ""))
	case errors.As(err, &storeUnavail):
		responses.Error(c, poolerrors.NewStoreUnavailableError(err.Error(), ""))
	default:
		responses.Error(c, poolerrors.NewInternalError(err.Error(), ""))
	}
}

// handleBorrow implements GET /borrow (§6).
func (s *Server) handleBorrow(c *gin.Context) {
	var params json.RawMessage
	if raw := c.Query("params"); raw != "" {
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			responses.Error(c, poolerrors.NewInvalidItemError("params is not valid url-encoded JSON", ""))
			return
		}
		params = json.RawMessage(decoded)
	}

	outcome, err := s.engine.Borrow(c.Request.Context(), params)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	writeOutcome(c, outcome)
}

type returnRequest struct {
	Item        json.RawMessage `json:"item" binding:"required"`
	BorrowToken string          `json:"borrow_token" binding:"required"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// handleReturn implements POST /return (§6).
func (s *Server) handleReturn(c *gin.Context) {
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Error(c, poolerrors.NewInvalidItemError(err.Error(), ""))
		return
	}

	outcome, err := s.engine.Return(c.Request.Context(), pool.Item(req.Item), req.BorrowToken, req.Params)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	writeOutcome(c, outcome)
}

type submitRequest struct {
	Item json.RawMessage `json:"item" binding:"required"`
}

// handleSubmit implements POST /submit (§6).
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Error(c, poolerrors.NewInvalidItemError(err.Error(), ""))
		return
	}

	outcome, err := s.engine.Submit(c.Request.Context(), pool.Item(req.Item))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	writeOutcome(c, outcome)
}

// handleGetOperation implements GET /operations/<id> (§6).
func (s *Server) handleGetOperation(c *gin.Context) {
	op, err := s.engine.Operation(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			responses.Error(c, poolerrors.NewUnknownOperationError("no such operation", ""))
			return
		}
		responses.Error(c, poolerrors.NewInternalError(err.Error(), ""))
		return
	}

	body := gin.H{"status": string(op.State)}
	if op.Message != "" {
		body["message"] = op.Message
	}
	if op.Result != nil {
		body["result"] = op.Result
	}
	c.JSON(http.StatusOK, body)
}

// handleAdminListOperations implements the supplemented GET
// /admin/operations escape hatch, grounded on handlers/admin.rs's
// list_operations endpoint.
func (s *Server) handleAdminListOperations(c *gin.Context) {
	ops := s.engine.Operations()
	out := make([]gin.H, 0, len(ops))
	for _, op := range ops {
		row := gin.H{"id": op.ID, "kind": string(op.Kind), "status": string(op.State)}
		if op.Message != "" {
			row["message"] = op.Message
		}
		if op.Result != nil {
			row["result"] = op.Result
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"operations": out})
}

// handleAdminDeleteOperation implements the supplemented DELETE
// /admin/operations/:id escape hatch, grounded on handlers/admin.rs's
// delete_operation endpoint.
func (s *Server) handleAdminDeleteOperation(c *gin.Context) {
	if err := s.engine.DeleteOperation(c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			responses.Error(c, poolerrors.NewUnknownOperationError("no such operation", ""))
			return
		}
		responses.Error(c, poolerrors.NewInternalError(err.Error(), ""))
		return
	}
	responses.OK(c, "operation deleted")
}

// handleAdminStats implements GET /admin/stats (§6).
func (s *Server) handleAdminStats(c *gin.Context) {
	free, borrowed, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"free_count": free, "borrowed_count": borrowed})
}

// handleAdminList implements GET /admin/list (§6): every free item, plus
// every borrowed item with its token and, when present, its owner
// attribution (a supplemented addition beyond the literal {items} shape,
// grounded on handlers/admin.rs's list endpoint).
func (s *Server) handleAdminList(c *gin.Context) {
	free, err := s.engine.FreeItems(c.Request.Context())
	if err != nil {
		writeEngineError(c, err)
		return
	}
	borrowed, err := s.engine.BorrowedItems(c.Request.Context())
	if err != nil {
		writeEngineError(c, err)
		return
	}

	borrowedOut := make([]gin.H, 0, len(borrowed))
	for _, entry := range borrowed {
		row := gin.H{"item": entry.Item, "borrow_token": entry.Token}
		if entry.Owner != "" {
			row["owner"] = entry.Owner
		}
		borrowedOut = append(borrowedOut, row)
	}

	c.JSON(http.StatusOK, gin.H{"items": free, "borrowed": borrowedOut})
}

type itemRequest struct {
	Item json.RawMessage `json:"item" binding:"required"`
}

func (s *Server) bindItem(c *gin.Context) (pool.Item, bool) {
	var req itemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.Error(c, poolerrors.NewInvalidItemError(err.Error(), ""))
		return nil, false
	}
	return pool.Item(req.Item), true
}

// handleAdminForceReturn implements the supplemented POST
// /admin/force-return escape hatch.
func (s *Server) handleAdminForceReturn(c *gin.Context) {
	item, ok := s.bindItem(c)
	if !ok {
		return
	}
	if err := s.engine.ForceReturn(c.Request.Context(), item); err != nil {
		s.writeAdminError(c, err)
		return
	}
	responses.OK(c, "item force-returned to freelist")
}

// handleAdminDeleteItem implements the supplemented DELETE /admin/item
// escape hatch.
func (s *Server) handleAdminDeleteItem(c *gin.Context) {
	item, ok := s.bindItem(c)
	if !ok {
		return
	}
	if err := s.engine.DeleteItem(c.Request.Context(), item); err != nil {
		s.writeAdminError(c, err)
		return
	}
	responses.OK(c, "item deleted from freelist")
}

// handleAdminDeleteBorrowed implements the supplemented DELETE
// /admin/borrowed escape hatch.
func (s *Server) handleAdminDeleteBorrowed(c *gin.Context) {
	item, ok := s.bindItem(c)
	if !ok {
		return
	}
	if err := s.engine.DeleteBorrowed(c.Request.Context(), item); err != nil {
		s.writeAdminError(c, err)
		return
	}
	responses.OK(c, "item deleted from borrowed-set")
}

func (s *Server) writeAdminError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		responses.Error(c, poolerrors.NewItemNotFoundError("item not found", ""))
		return
	}
	writeEngineError(c, err)
}
