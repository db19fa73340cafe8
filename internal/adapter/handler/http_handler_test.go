package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/warehouse-allocation/internal/port"
)

type httpEnv struct {
	mux      *http.ServeMux
	recorder *mockRecorder
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	env := &httpEnv{mux: http.NewServeMux(), recorder: &mockRecorder{}}
	NewHTTPHandler(newTestService(t), env.recorder, zaptest.NewLogger(t)).Register(env.mux)
	return env
}

func (e *httpEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *httpEnv) addBatch(t *testing.T, ref, sku string, qty int, eta string) {
	t.Helper()
	body := map[string]any{"ref": ref, "sku": sku, "qty": qty}
	if eta != "" {
		body["eta"] = eta
	}
	rec := e.do(t, http.MethodPost, "/batches", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	env := newHTTPEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestAllocateReturnsBatchRef(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "later", "LAMP", 100, "2024-01-02")
	env.addBatch(t, "earlier", "LAMP", 100, "2024-01-01")
	env.addBatch(t, "other", "CHAIR", 100, "")

	rec := env.do(t, http.MethodPost, "/allocate", map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 3})

	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[map[string]string](t, rec)
	assert.Equal(t, "earlier", res["batchref"])
	assert.Equal(t, "o1", res["orderid"])

	rec = env.do(t, http.MethodGet, "/allocations/o1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []port.AllocationRow{{SKU: "LAMP", BatchRef: "earlier"}}, decode[[]port.AllocationRow](t, rec))
}

func TestAllocateGeneratesOrderID(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")

	rec := env.do(t, http.MethodPost, "/allocate", map[string]any{"sku": "LAMP", "qty": 1})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["orderid"])
}

func TestAllocateErrors(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{"unknown sku", map[string]any{"orderid": "o1", "sku": "NOPE", "qty": 1}, http.StatusBadRequest, "invalid sku NOPE"},
		{"out of stock", map[string]any{"orderid": "o2", "sku": "LAMP", "qty": 11}, http.StatusBadRequest, "out of stock for sku LAMP"},
		{"missing qty", map[string]any{"orderid": "o3", "sku": "LAMP"}, http.StatusBadRequest, "missing required fields"},
		{"bad body", "not an object", http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/allocate", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decode[MessageHTTPResponse](t, rec).Message)
		})
	}
}

func TestAllocateDuplicateIdempotencyKey(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")
	body := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}

	first := env.do(t, http.MethodPost, "/allocate", body, idempotencyKeyHeader, "key-1")
	second := env.do(t, http.MethodPost, "/allocate", body, idempotencyKeyHeader, "key-1")

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestDeallocate(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")
	line := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 4}
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/allocate", line).Code)

	rec := env.do(t, http.MethodPost, "/deallocate", line)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b1", decode[MessageHTTPResponse](t, rec).BatchRef)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/allocations/o1", nil).Code)
}

func TestChangeBatchQuantityReallocates(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 50, "")
	env.addBatch(t, "b2", "LAMP", 50, "2024-01-02")
	require.Equal(t, http.StatusAccepted,
		env.do(t, http.MethodPost, "/allocate", map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 40}).Code)

	rec := env.do(t, http.MethodPost, "/batches/b1/quantity", map[string]any{"qty": 10})

	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/allocations/o1", nil)
	assert.Equal(t, []port.AllocationRow{{SKU: "LAMP", BatchRef: "b2"}}, decode[[]port.AllocationRow](t, rec))
}

func TestChangeBatchQuantityUnknownBatch(t *testing.T) {
	env := newHTTPEnv(t)

	rec := env.do(t, http.MethodPost, "/batches/nope/quantity", map[string]any{"qty": 10})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddBatchValidation(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/batches", map[string]any{"ref": "b2", "sku": "LAMP", "qty": 1, "eta": "tomorrow"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/batches", map[string]any{"ref": "b1", "sku": "LAMP", "qty": 1}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/batches", map[string]any{"sku": "LAMP", "qty": 1}).Code)
}

func TestWrongMethod(t *testing.T) {
	env := newHTTPEnv(t)

	rec := env.do(t, http.MethodGet, "/allocate", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestsAreRecorded(t *testing.T) {
	env := newHTTPEnv(t)
	env.addBatch(t, "b1", "LAMP", 10, "")
	env.do(t, http.MethodGet, "/allocations/none", nil)

	assert.Equal(t, []observedRequest{
		{"add_batch", http.StatusCreated},
		{"allocations", http.StatusNotFound},
	}, env.recorder.seen)
}

func TestAllocateKeyReusableAfterFailure(t *testing.T) {
	env := newHTTPEnv(t)
	body := map[string]any{"orderid": "o1", "sku": "LAMP", "qty": 1}

	first := env.do(t, http.MethodPost, "/allocate", body, idempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusBadRequest, first.Code)

	env.addBatch(t, "b1", "LAMP", 10, "")
	second := env.do(t, http.MethodPost, "/allocate", body, idempotencyKeyHeader, "key-1")

	assert.Equal(t, http.StatusAccepted, second.Code)
}
