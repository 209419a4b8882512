package dispatcher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/r33drichards/ip-allocator-webserver/internal/dispatcher"
	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
)

func newDispatcher(t *testing.T, cfg dispatcher.Config) *dispatcher.Dispatcher {
	return dispatcher.New(cfg, zaptest.NewLogger(t))
}

func TestDispatch_SyncMustSucceedCommits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t, dispatcher.Config{})
	subs := []pool.Subscriber{{Name: "gate", EventKind: pool.EventBorrow, PostURL: srv.URL, MustSucceed: true}}

	verdict := d.Dispatch(context.Background(), pool.EventBorrow, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.True(t, verdict.Committed)
}

func TestDispatch_SyncMustSucceedFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newDispatcher(t, dispatcher.Config{})
	subs := []pool.Subscriber{{Name: "gate", EventKind: pool.EventBorrow, PostURL: srv.URL, MustSucceed: true}}

	verdict := d.Dispatch(context.Background(), pool.EventBorrow, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.False(t, verdict.Committed)
	assert.Contains(t, verdict.Message, "gate")
}

func TestDispatch_AggregatesMultipleMustSucceedFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	d := newDispatcher(t, dispatcher.Config{})
	subs := []pool.Subscriber{
		{Name: "a", EventKind: pool.EventBorrow, PostURL: failing.URL, MustSucceed: true},
		{Name: "b", EventKind: pool.EventBorrow, PostURL: failing.URL, MustSucceed: true},
	}

	verdict := d.Dispatch(context.Background(), pool.EventBorrow, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.False(t, verdict.Committed)
	assert.Contains(t, verdict.Message, "a")
	assert.Contains(t, verdict.Message, "b")
}

// TestDispatch_NonMustSubscriberNeverBlocksVerdict verifies scenario 2
// from the testable-properties section: a slow non-must subscriber must
// not delay the dispatcher's verdict.
func TestDispatch_NonMustSubscriberNeverBlocksVerdict(t *testing.T) {
	var called atomic.Bool
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	d := newDispatcher(t, dispatcher.Config{})
	subs := []pool.Subscriber{{Name: "observer", EventKind: pool.EventBorrow, PostURL: slow.URL, MustSucceed: false}}

	start := time.Now()
	verdict := d.Dispatch(context.Background(), pool.EventBorrow, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	elapsed := time.Since(start)

	assert.True(t, verdict.Committed)
	assert.Less(t, elapsed, 100*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, called.Load())
}

func TestDispatch_AsyncMustSucceedPollsToSuccess(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hook":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"operation_id": "op-1"})
		case "/operations/status":
			n := polls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			if n < 3 {
				json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "succeeded"})
		}
	}))
	defer srv.Close()

	d := newDispatcher(t, dispatcher.Config{PollInitialInterval: 5 * time.Millisecond, PollMaxInterval: 20 * time.Millisecond})
	subs := []pool.Subscriber{{Name: "async-gate", EventKind: pool.EventReturn, PostURL: srv.URL + "/hook", MustSucceed: true, Async: true}}

	verdict := d.Dispatch(context.Background(), pool.EventReturn, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	require.True(t, verdict.Committed)
	assert.GreaterOrEqual(t, int(polls.Load()), 3)
}

func TestDispatch_AsyncMustSucceedFailureAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hook":
			json.NewEncoder(w).Encode(map[string]string{"operation_id": "op-2"})
		case "/operations/status":
			json.NewEncoder(w).Encode(map[string]string{"status": "failed", "message": "rejected"})
		}
	}))
	defer srv.Close()

	d := newDispatcher(t, dispatcher.Config{PollInitialInterval: 5 * time.Millisecond})
	subs := []pool.Subscriber{{Name: "async-gate", EventKind: pool.EventReturn, PostURL: srv.URL + "/hook", MustSucceed: true, Async: true}}

	verdict := d.Dispatch(context.Background(), pool.EventReturn, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.False(t, verdict.Committed)
	assert.Contains(t, verdict.Message, "rejected")
}

func TestDispatch_AsyncMissingOperationIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	d := newDispatcher(t, dispatcher.Config{})
	subs := []pool.Subscriber{{Name: "async-gate", EventKind: pool.EventBorrow, PostURL: srv.URL, MustSucceed: true, Async: true}}

	verdict := d.Dispatch(context.Background(), pool.EventBorrow, subs, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.False(t, verdict.Committed)
	assert.Contains(t, verdict.Message, "operation_id")
}

func TestDispatch_NoSubscribersCommitsTrivially(t *testing.T) {
	d := newDispatcher(t, dispatcher.Config{})
	verdict := d.Dispatch(context.Background(), pool.EventSubmit, nil, pool.EventPayload{Item: json.RawMessage(`"X"`)})
	assert.True(t, verdict.Committed)
}
