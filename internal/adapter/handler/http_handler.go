package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/service"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const (
	etaLayout            = "2006-01-02"
	idempotencyKeyHeader = "Idempotency-Key"
)

// RequestRecorder receives one observation per HTTP request.
type RequestRecorder interface {
	ObserveRequest(handler string, status int, elapsed time.Duration)
}

type HTTPHandler struct {
	svc      *service.AllocationService
	recorder RequestRecorder
	logger   *zap.Logger
}

type AddBatchHTTPRequest struct {
	Ref string  `json:"ref"`
	SKU string  `json:"sku"`
	Qty int     `json:"qty"`
	ETA *string `json:"eta"`
}

type OrderLineHTTPRequest struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type ChangeQuantityHTTPRequest struct {
	Qty int `json:"qty"`
}

type MessageHTTPResponse struct {
	Message  string `json:"message"`
	BatchRef string `json:"batchref,omitempty"`
}

// NewHTTPHandler builds the handler. recorder may be nil.
func NewHTTPHandler(svc *service.AllocationService, recorder RequestRecorder, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, recorder: recorder, logger: logger}
}

// Register mounts every endpoint on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.instrument("health", h.HealthCheck))
	mux.HandleFunc("POST /batches", h.instrument("add_batch", h.AddBatch))
	mux.HandleFunc("POST /batches/{ref}/quantity", h.instrument("change_batch_quantity", h.ChangeBatchQuantity))
	mux.HandleFunc("POST /allocate", h.instrument("allocate", h.Allocate))
	mux.HandleFunc("POST /deallocate", h.instrument("deallocate", h.Deallocate))
	mux.HandleFunc("GET /allocations/{orderid}", h.instrument("allocations", h.Allocations))
}

func (h *HTTPHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req AddBatchHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ref == "" || req.SKU == "" {
		writeMessage(w, http.StatusBadRequest, "missing required fields")
		return
	}

	cmd := domain.CreateBatch{Ref: req.Ref, SKU: req.SKU, Qty: req.Qty}
	if req.ETA != nil && *req.ETA != "" {
		eta, err := time.Parse(etaLayout, *req.ETA)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "eta must be YYYY-MM-DD")
			return
		}
		cmd.ETA = &eta
	}

	if err := h.svc.AddBatch(r.Context(), cmd); err != nil {
		h.writeError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Batch added: "+req.Ref)
}

func (h *HTTPHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req OrderLineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SKU == "" || req.Qty <= 0 {
		writeMessage(w, http.StatusBadRequest, "missing required fields")
		return
	}

	res, err := h.svc.Allocate(r.Context(), r.Header.Get(idempotencyKeyHeader), domain.Allocate{
		OrderID: req.OrderID,
		SKU:     req.SKU,
		Qty:     req.Qty,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *HTTPHandler) Deallocate(w http.ResponseWriter, r *http.Request) {
	var req OrderLineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderID == "" || req.SKU == "" || req.Qty <= 0 {
		writeMessage(w, http.StatusBadRequest, "missing required fields")
		return
	}

	ref, err := h.svc.Deallocate(r.Context(), domain.Deallocate{OrderID: req.OrderID, SKU: req.SKU, Qty: req.Qty})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageHTTPResponse{Message: "deallocation done", BatchRef: ref})
}

func (h *HTTPHandler) ChangeBatchQuantity(w http.ResponseWriter, r *http.Request) {
	var req ChangeQuantityHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ref := r.PathValue("ref")
	if err := h.svc.ChangeBatchQuantity(r.Context(), domain.ChangeBatchQuantity{Ref: ref, Qty: req.Qty}); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageHTTPResponse{Message: "quantity changed", BatchRef: ref})
}

func (h *HTTPHandler) Allocations(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.Allocations(r.Context(), r.PathValue("orderid"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(rows) == 0 {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeMessage(w, status, message)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrDuplicateRequest), errors.Is(err, port.ErrOptimisticLock):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidSKU),
		errors.Is(err, service.ErrOutOfStock),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, domain.ErrDuplicateBatch),
		errors.Is(err, domain.ErrSKUMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if h.recorder != nil {
			h.recorder.ObserveRequest(name, sw.status, time.Since(start))
		}
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, MessageHTTPResponse{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
