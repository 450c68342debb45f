package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type HTTPHandler struct {
	stock  StockAPI
	logger *zap.Logger
}

type StockHTTPRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

type StockHTTPResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id,omitempty"`
}

func NewHTTPHandler(stock StockAPI, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		stock:  stock,
		logger: logger.With(zap.String("component", "http_handler")),
	}
}

// Routes registers the API and health endpoints on mux.
func (h *HTTPHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/deduct", h.Deduct)
	mux.HandleFunc("/api/add", h.Add)
	mux.HandleFunc("/health", h.HealthCheck)
}

func (h *HTTPHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.stock.Deduct(r.Context(), req.ItemID, req.Quantity)
	if err != nil {
		h.fail(w, "deduct", req, err)
		return
	}

	if !res.Success {
		writeJSON(w, http.StatusGone, StockHTTPResponse{
			Success: false,
			Message: "sold out",
		})
		return
	}

	writeJSON(w, http.StatusOK, StockHTTPResponse{
		Success:       true,
		Message:       "stock deducted",
		TransactionID: res.TransactionID,
	})
}

func (h *HTTPHandler) Add(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	txID, err := h.stock.Add(r.Context(), req.ItemID, req.Quantity)
	if err != nil {
		h.fail(w, "add", req, err)
		return
	}

	writeJSON(w, http.StatusOK, StockHTTPResponse{
		Success:       true,
		Message:       "stock added",
		TransactionID: txID,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request) (StockHTTPRequest, bool) {
	var req StockHTTPRequest

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, StockHTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return req, false
	}

	if req.ItemID == "" || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, StockHTTPResponse{
			Success: false,
			Message: "missing required fields",
		})
		return req, false
	}

	return req, true
}

func (h *HTTPHandler) fail(w http.ResponseWriter, op string, req StockHTTPRequest, err error) {
	status, message := outcome(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			zap.String("item_id", req.ItemID),
			zap.Int64("quantity", req.Quantity),
			zap.Error(err),
		)
	}

	writeJSON(w, status, StockHTTPResponse{
		Success: false,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
