package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
	"github.com/rl1809/escrow-settlement/internal/core/service"
	"github.com/rl1809/escrow-settlement/internal/metrics"
)

type HTTPHandler struct {
	orderService *service.OrderService
	auth         *CallerAuth
	logger       *zap.Logger
}

func NewHTTPHandler(orderService *service.OrderService, auth *CallerAuth, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auth == nil {
		auth = NewCallerAuth("", logger)
	}
	return &HTTPHandler{orderService: orderService, auth: auth, logger: logger}
}

// Routes builds the chi router. Health and metrics are public; everything
// under /api needs a caller.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(h.auth.Middleware)

		api.Post("/orders", h.OpenOrder)
		api.Route("/orders/{orderID}", func(or chi.Router) {
			or.Get("/", h.GetOrder)
			or.Get("/transfers", h.ListTransfers)
			or.Post("/complete", h.CompleteOrder)
			or.Post("/refund", h.RefundOrder)
			or.Post("/dispute", h.DisputeOrder)
			or.Post("/resolve", h.ResolveDispute)
		})
		api.Get("/buyers/{partyID}/orders", h.ListByBuyer)
		api.Get("/sellers/{partyID}/orders", h.ListBySeller)
		api.Get("/platform/fee", h.GetFee)
		api.Put("/platform/fee", h.UpdateFee)
	})
	return r
}

func (h *HTTPHandler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	var req OpenOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "invalid request body"})
		return
	}

	caller := CallerFrom(r.Context())
	if req.Buyer == "" {
		req.Buyer = caller
	}
	if req.Buyer != caller {
		h.writeError(w, r, fmt.Errorf("%w: only the buyer may open an order", domain.ErrUnauthorized))
		return
	}

	order, err := h.orderService.OpenOrder(r.Context(), service.OpenOrderRequest{
		OrderID:    req.OrderID,
		Buyer:      req.Buyer,
		Seller:     req.Seller,
		Amount:     req.Amount,
		ListingRef: req.ListingRef,
		Quantity:   req.Quantity,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderService.GetOrderFor(r.Context(), chi.URLParam(r, "orderID"), CallerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	intents, err := h.orderService.ListTransfersFor(r.Context(), orderID, CallerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferList(orderID, intents))
}

type actionFunc func(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error)

func (h *HTTPHandler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orderService.CompleteOrder)
}

func (h *HTTPHandler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orderService.RefundOrder)
}

func (h *HTTPHandler) DisputeOrder(w http.ResponseWriter, r *http.Request) {
	h.runAction(w, r, h.orderService.DisputeOrder)
}

func (h *HTTPHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "invalid request body"})
		return
	}
	resolution := domain.Resolution(req.Resolution)
	h.runAction(w, r, func(ctx context.Context, orderID, caller string) (domain.EscrowOrder, error) {
		return h.orderService.ResolveDispute(ctx, orderID, caller, resolution)
	})
}

func (h *HTTPHandler) runAction(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	order, err := fn(r.Context(), chi.URLParam(r, "orderID"), CallerFrom(r.Context()))
	if err != nil {
		// The status change is committed even when a transfer leg failed.
		if errors.Is(err, domain.ErrTransferFailure) && order.ID != "" {
			h.logger.Warn("transition committed with pending transfer",
				zap.String("order_id", order.ID), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, ActionResponse{Order: toOrderResponse(order), Error: err.Error()})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Order: toOrderResponse(order)})
}

func (h *HTTPHandler) ListByBuyer(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderService.ListByBuyerFor(r.Context(), chi.URLParam(r, "partyID"), CallerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(orders))
}

func (h *HTTPHandler) ListBySeller(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderService.ListBySellerFor(r.Context(), chi.URLParam(r, "partyID"), CallerFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(orders))
}

func (h *HTTPHandler) GetFee(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, FeeResponse{FeePercentage: h.orderService.GetFeePercentage()})
}

func (h *HTTPHandler) UpdateFee(w http.ResponseWriter, r *http.Request) {
	var req FeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "invalid request body"})
		return
	}
	if err := h.orderService.UpdateFeePercentage(r.Context(), CallerFrom(r.Context()), req.FeePercentage); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FeeResponse{FeePercentage: h.orderService.GetFeePercentage()})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.String("caller", CallerFrom(r.Context())), zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
