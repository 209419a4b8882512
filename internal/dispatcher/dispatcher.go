// Package dispatcher implements the Subscriber Dispatcher (§4.3): for a
// given (event_kind, payload) it posts to every configured subscriber and
// enforces must-succeed/async semantics, returning a single Verdict for
// the whole fan-out. It depends only on time and an HTTP client — per §9
// it MUST NOT call back into the engine.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
	"github.com/r33drichards/ip-allocator-webserver/pkg/metrics"
)

// Config tunes the timeouts and poll backoff schedule (§4.3, §5).
type Config struct {
	// Timeout bounds every subscriber HTTP call (sync POST, async POST,
	// and each individual poll request). Default 30s.
	Timeout time.Duration
	// PollInitialInterval is the first wait between async status polls.
	// Default 500ms.
	PollInitialInterval time.Duration
	// PollBackoffFactor multiplies the interval after every poll.
	// Default 1.5.
	PollBackoffFactor float64
	// PollMaxInterval caps the backed-off interval. Default 5s.
	PollMaxInterval time.Duration
	// PollDeadline bounds the overall time spent polling one async
	// subscriber. Must be >= Timeout. Default 5 minutes.
	PollDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollInitialInterval <= 0 {
		c.PollInitialInterval = 500 * time.Millisecond
	}
	if c.PollBackoffFactor <= 1 {
		c.PollBackoffFactor = 1.5
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = 5 * time.Second
	}
	if c.PollDeadline < c.Timeout {
		c.PollDeadline = 5 * time.Minute
	}
	return c
}

// Dispatcher fans a pool event out to every subscriber registered for its
// kind.
type Dispatcher struct {
	http *http.Client
	cfg  Config
	log  *zap.Logger
}

// New builds a Dispatcher. The HTTP client's timeout is set from cfg so
// transport-level timeouts and the spec's subscriber timeout agree.
func New(cfg Config, log *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		log:  log.Named("dispatcher"),
	}
}

type asyncAccepted struct {
	OperationID string `json:"operation_id"`
}

type asyncStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Dispatch posts payload to every subscriber registered for kind and
// returns the aggregate verdict. must_succeed=false subscribers never
// affect the verdict and are allowed to outlive this call.
func (d *Dispatcher) Dispatch(ctx context.Context, kind pool.EventKind, subs []pool.Subscriber, payload pool.EventPayload) pool.Verdict {
	start := time.Now()
	defer func() {
		metrics.DispatchLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return pool.Verdict{Committed: false, Message: fmt.Sprintf("failed to encode event payload: %v", err)}
	}

	var must []pool.Subscriber
	var fireAndForget []pool.Subscriber
	for _, s := range subs {
		if s.MustSucceed {
			must = append(must, s)
		} else {
			fireAndForget = append(fireAndForget, s)
		}
	}

	// Fire-and-forget subscribers run detached from this call's context so
	// an abort (or the caller returning) never cancels them (§4.3.5, §5).
	for _, s := range fireAndForget {
		s := s
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), d.cfg.PollDeadline+d.cfg.Timeout)
			defer cancel()
			ok, msg := d.call(bg, s, body)
			outcome := "success"
			if !ok {
				outcome = "failure"
				d.log.Warn("non-must subscriber failed",
					zap.String("event_kind", string(kind)),
					zap.String("subscriber", s.Name),
					zap.String("message", msg),
				)
			}
			metrics.SubscriberOutcomes.WithLabelValues(string(kind), s.Name, outcome).Inc()
		}()
	}

	if len(must) == 0 {
		return pool.Verdict{Committed: true}
	}

	results := make([]struct {
		ok  bool
		msg string
	}, len(must))

	var g errgroup.Group
	for i, s := range must {
		i, s := i, s
		g.Go(func() error {
			ok, msg := d.call(ctx, s, body)
			results[i].ok = ok
			results[i].msg = msg
			outcome := "success"
			if !ok {
				outcome = "failure"
			}
			metrics.SubscriberOutcomes.WithLabelValues(string(kind), s.Name, outcome).Inc()
			return nil
		})
	}
	_ = g.Wait()

	var failures []string
	for i, s := range must {
		if !results[i].ok {
			failures = append(failures, fmt.Sprintf("subscriber %q: %s", s.Name, results[i].msg))
		}
	}
	if len(failures) > 0 {
		return pool.Verdict{Committed: false, Message: strings.Join(failures, "; ")}
	}
	return pool.Verdict{Committed: true}
}

// call runs the sync or async protocol for a single subscriber and
// returns whether it succeeded and, if not, why.
func (d *Dispatcher) call(ctx context.Context, sub pool.Subscriber, body []byte) (bool, string) {
	if sub.Async {
		return d.callAsync(ctx, sub, body)
	}
	return d.callSync(ctx, sub, body)
}

func (d *Dispatcher) callSync(ctx context.Context, sub pool.Subscriber, body []byte) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	resp, err := d.post(ctx, sub.PostURL, body)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return true, ""
}

func (d *Dispatcher) callAsync(ctx context.Context, sub pool.Subscriber, body []byte) (bool, string) {
	initCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	resp, err := d.post(initCtx, sub.PostURL, body)
	cancel()
	if err != nil {
		return false, err.Error()
	}
	var accepted asyncAccepted
	decodeErr := json.NewDecoder(resp.Body).Decode(&accepted)
	resp.Body.Close()
	if decodeErr != nil {
		return false, fmt.Sprintf("failed to decode async accept response: %v", decodeErr)
	}
	if accepted.OperationID == "" {
		return false, "async subscriber response missing operation_id"
	}

	statusURL, err := statusURLFor(sub.PostURL, accepted.OperationID)
	if err != nil {
		return false, err.Error()
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, d.cfg.PollDeadline)
	defer cancel()

	interval := d.cfg.PollInitialInterval
	for {
		select {
		case <-deadlineCtx.Done():
			return false, fmt.Sprintf("timed out waiting for subscriber %q operation %q", sub.Name, accepted.OperationID)
		case <-time.After(interval):
		}

		ok, done, msg := d.poll(deadlineCtx, statusURL)
		if done {
			return ok, msg
		}

		interval = time.Duration(float64(interval) * d.cfg.PollBackoffFactor)
		if interval > d.cfg.PollMaxInterval {
			interval = d.cfg.PollMaxInterval
		}
	}
}

// poll issues one GET against the subscriber's status endpoint. done is
// true once the subscriber reports a terminal status or the call itself
// fails; ok is only meaningful when done is true.
func (d *Dispatcher) poll(ctx context.Context, statusURL string) (ok bool, done bool, message string) {
	pollCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		return false, true, err.Error()
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return false, true, err.Error()
	}
	defer resp.Body.Close()

	var status asyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, true, fmt.Sprintf("failed to decode poll response: %v", err)
	}

	switch status.Status {
	case "succeeded":
		return true, true, status.Message
	case "failed":
		return false, true, status.Message
	case "pending":
		return false, false, ""
	default:
		return false, true, fmt.Sprintf("unexpected status value %q", status.Status)
	}
}

func (d *Dispatcher) post(ctx context.Context, postURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.http.Do(req)
}

// statusURLFor builds "<origin>/operations/status?id=<id>" from the
// subscriber's configured post URL, per §4.3.3.
func statusURLFor(postURL, operationID string) (string, error) {
	u, err := url.Parse(postURL)
	if err != nil {
		return "", fmt.Errorf("invalid subscriber post url: %w", err)
	}
	u.Path = "/operations/status"
	u.RawQuery = ""
	q := u.Query()
	q.Set("id", operationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
