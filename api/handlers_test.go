package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/r33drichards/ip-allocator-webserver/api"
	"github.com/r33drichards/ip-allocator-webserver/internal/config"
	"github.com/r33drichards/ip-allocator-webserver/internal/dispatcher"
	"github.com/r33drichards/ip-allocator-webserver/internal/engine"
	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
	"github.com/r33drichards/ip-allocator-webserver/internal/registry"
	"github.com/r33drichards/ip-allocator-webserver/internal/store"
)

// setupRouter wires a Server over an in-memory Store, the way the teacher's
// setupRouter wires stub service interfaces.
func setupRouter(t *testing.T, cfg *config.Config) (*gin.Engine, *store.MemoryStore) {
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	disp := dispatcher.New(dispatcher.Config{}, zaptest.NewLogger(t))
	reg := registry.New(time.Hour, zaptest.NewLogger(t))
	eng := engine.New(st, disp, reg, cfg, engine.NewBroadcaster(), zaptest.NewLogger(t))
	srv := api.NewServer(eng, nil, zaptest.NewLogger(t))
	return srv.Router(), st
}

func TestBorrow_Success(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"10.0.0.3"`)))

	req := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "10.0.0.3", body["item"])
	assert.NotEmpty(t, body["borrow_token"])
}

func TestBorrow_PoolExhausted(t *testing.T) {
	router, _ := setupRouter(t, config.Empty())

	req := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "Pool Exhausted", problem["title"])
}

func TestBorrowThenReturnRoundTrip(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"10.0.0.4"`)))

	borrowReq := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	borrowW := httptest.NewRecorder()
	router.ServeHTTP(borrowW, borrowReq)
	require.Equal(t, http.StatusOK, borrowW.Code)

	var borrowed struct {
		Item        string `json:"item"`
		BorrowToken string `json:"borrow_token"`
	}
	require.NoError(t, json.Unmarshal(borrowW.Body.Bytes(), &borrowed))

	body, _ := json.Marshal(map[string]string{"item": borrowed.Item, "borrow_token": borrowed.BorrowToken})
	returnReq := httptest.NewRequest(http.MethodPost, "/return", bytes.NewReader(body))
	returnReq.Header.Set("Content-Type", "application/json")
	returnW := httptest.NewRecorder()
	router.ServeHTTP(returnW, returnReq)

	assert.Equal(t, http.StatusOK, returnW.Code)
	var status map[string]string
	require.NoError(t, json.Unmarshal(returnW.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])

	statsReq := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	statsW := httptest.NewRecorder()
	router.ServeHTTP(statsW, statsReq)
	var stats map[string]float64
	require.NoError(t, json.Unmarshal(statsW.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["free_count"])
	assert.Equal(t, float64(0), stats["borrowed_count"])
}

func TestReturn_InvalidTokenConflict(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"Y"`)))

	borrowReq := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	borrowW := httptest.NewRecorder()
	router.ServeHTTP(borrowW, borrowReq)

	body, _ := json.Marshal(map[string]string{"item": `"Y"`, "borrow_token": "bogus"})
	returnReq := httptest.NewRequest(http.MethodPost, "/return", bytes.NewReader(body))
	returnReq.Header.Set("Content-Type", "application/json")
	returnW := httptest.NewRecorder()
	router.ServeHTTP(returnW, returnReq)

	assert.Equal(t, http.StatusConflict, returnW.Code)
}

func TestSubmit_IdempotentFreeCount(t *testing.T) {
	router, _ := setupRouter(t, config.Empty())

	submit := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"item": `"Z"`})
		req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w1 := submit()
	assert.Equal(t, http.StatusOK, w1.Code)
	w2 := submit()
	assert.Equal(t, http.StatusOK, w2.Code)

	statsReq := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	statsW := httptest.NewRecorder()
	router.ServeHTTP(statsW, statsReq)
	var stats map[string]float64
	require.NoError(t, json.Unmarshal(statsW.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["free_count"])
}

func TestGetOperation_UnknownID(t *testing.T) {
	router, _ := setupRouter(t, config.Empty())

	req := httptest.NewRequest(http.MethodGet, "/operations/does-not-exist", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBorrow_OwnerParamSurfacedOnAdminList(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"10.0.0.7"`)))

	req := httptest.NewRequest(http.MethodGet, "/borrow?params="+url.QueryEscape(`{"owner":"team-net"}`), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/list", nil)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)

	var listBody struct {
		Borrowed []map[string]interface{} `json:"borrowed"`
	}
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &listBody))
	require.Len(t, listBody.Borrowed, 1)
	assert.Equal(t, "team-net", listBody.Borrowed[0]["owner"])
}

func TestAdminListOperations_DeleteOperation(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"10.0.0.10"`)))

	borrowReq := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	borrowW := httptest.NewRecorder()
	router.ServeHTTP(borrowW, borrowReq)
	require.Equal(t, http.StatusOK, borrowW.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/operations", nil)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)
	assert.Equal(t, http.StatusOK, listW.Code)
	var listBody struct {
		Operations []map[string]interface{} `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &listBody))
	assert.Empty(t, listBody.Operations, "a sync borrow never enters the registry")

	deleteReq := httptest.NewRequest(http.MethodDelete, "/admin/operations/does-not-exist", nil)
	deleteW := httptest.NewRecorder()
	router.ServeHTTP(deleteW, deleteReq)
	assert.Equal(t, http.StatusNotFound, deleteW.Code)
}

func TestAdminList_ReflectsFreeAndBorrowed(t *testing.T) {
	router, st := setupRouter(t, config.Empty())
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"A"`)))
	require.NoError(t, st.FreelistAdd(context.Background(), pool.Item(`"B"`)))

	borrowReq := httptest.NewRequest(http.MethodGet, "/borrow", nil)
	borrowW := httptest.NewRecorder()
	router.ServeHTTP(borrowW, borrowReq)
	require.Equal(t, http.StatusOK, borrowW.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/list", nil)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)

	var listBody struct {
		Items    []string                 `json:"items"`
		Borrowed []map[string]interface{} `json:"borrowed"`
	}
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &listBody))
	assert.Len(t, listBody.Items, 1)
	assert.Len(t, listBody.Borrowed, 1)
}
