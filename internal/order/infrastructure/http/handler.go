package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	invapp "github.com/agrihaul/fulfillment/internal/inventory/application"
	invdom "github.com/agrihaul/fulfillment/internal/inventory/domain"
	odom "github.com/agrihaul/fulfillment/internal/order/domain"
	orchapp "github.com/agrihaul/fulfillment/internal/orchestrator/application"
	orchdom "github.com/agrihaul/fulfillment/internal/orchestrator/domain"
	payapp "github.com/agrihaul/fulfillment/internal/payment/application"
	paydom "github.com/agrihaul/fulfillment/internal/payment/domain"
	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

type Handler struct {
	log       *slog.Logger
	coord     *orchapp.Coordinator
	inventory *invapp.Service
	payments  *payapp.Reconciler
	tracer    trace.Tracer
}

func NewHandler(log *slog.Logger, coord *orchapp.Coordinator, inventory *invapp.Service, payments *payapp.Reconciler) *Handler {
	return &Handler{
		log:       log,
		coord:     coord,
		inventory: inventory,
		payments:  payments,
		tracer:    otel.Tracer("fulfillment-http"),
	}
}

func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.submitOrder)
		r.Get("/{orderID}", h.getOrder)
		r.Post("/{orderID}/cancel", h.cancelOrder)
		r.Post("/{orderID}/ship", h.shipOrder)
		r.Post("/{orderID}/deliver", h.deliverOrder)
	})
	r.Route("/inventory/{productID}", func(r chi.Router) {
		r.Get("/", h.getItem)
		r.Post("/stock", h.addStock)
	})
	r.Post("/payments/callback", h.paymentCallback)
	return r
}

type submitItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type submitRequest struct {
	IdempotencyKey string       `json:"idempotency_key"`
	BuyerID        string       `json:"buyer_id"`
	Items          []submitItem `json:"items"`
}

type lineItemResponse struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type orderResponse struct {
	ID              string             `json:"id"`
	BuyerID         string             `json:"buyer_id"`
	Items           []lineItemResponse `json:"items"`
	SubtotalCents   int64              `json:"subtotal_cents"`
	TotalCents      int64              `json:"total_cents"`
	Status          string             `json:"status"`
	PaymentIntentID string             `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type eventResponse struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

type orderDetailResponse struct {
	orderResponse
	Events []eventResponse `json:"events"`
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.submit_order")
	defer span.End()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	items := make([]orchapp.SubmittedItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orchapp.SubmittedItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	ord, err := h.coord.SubmitOrder(ctx, req.IdempotencyKey, req.BuyerID, items)
	span.SetAttributes(attribute.String("order_id", ord.ID))
	switch {
	case err == nil:
		h.json(w, http.StatusCreated, toOrderResponse(ord))
	case errors.Is(err, orchapp.ErrReplayed):
		h.json(w, http.StatusConflict, toOrderResponse(ord))
	case errors.Is(err, odom.ErrValidation),
		errors.Is(err, invdom.ErrInsufficientStock),
		errors.Is(err, paydom.ErrDeclined),
		errors.Is(err, paydom.ErrAuthorizationTimeout),
		errors.Is(err, orchdom.ErrCompensationFailed):
		h.json(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"order": toOrderResponse(ord),
		})
	default:
		h.log.Error("submit order failed", "err", err)
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ord, events, err := h.coord.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	resp := orderDetailResponse{orderResponse: toOrderResponse(ord)}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventResponse{
			Seq:        ev.Seq,
			Type:       string(ev.Type),
			Payload:    ev.Payload,
			RecordedAt: ev.RecordedAt,
		})
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.cancel_order")
	defer span.End()

	ord, err := h.coord.Cancel(ctx, chi.URLParam(r, "orderID"))
	switch {
	case err == nil, errors.Is(err, orchdom.ErrCompensationFailed):
		// Parked compensations are still accepted; the order surfaces its
		// needs-review status.
		h.json(w, http.StatusAccepted, toOrderResponse(ord))
	case errors.Is(err, odom.ErrCancelNotAllowed):
		h.error(w, http.StatusConflict, err.Error())
	default:
		h.notFoundOr500(w, err)
	}
}

func (h *Handler) shipOrder(w http.ResponseWriter, r *http.Request) {
	h.postSale(w, r, h.coord.MarkShipped)
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	h.postSale(w, r, h.coord.MarkDelivered)
}

func (h *Handler) postSale(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (odom.Order, error)) {
	ord, err := op(r.Context(), chi.URLParam(r, "orderID"))
	switch {
	case err == nil:
		h.json(w, http.StatusOK, toOrderResponse(ord))
	case errors.Is(err, sldom.ErrInvalidTransition):
		h.error(w, http.StatusConflict, err.Error())
	default:
		h.notFoundOr500(w, err)
	}
}

type addStockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) addStock(w http.ResponseWriter, r *http.Request) {
	var req addStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item, err := h.inventory.AddStock(r.Context(), chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		if errors.Is(err, invdom.ErrInvalidQuantity) {
			h.error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.notFoundOr500(w, err)
		return
	}
	h.json(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.inventory.Item(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	h.json(w, http.StatusOK, toItemResponse(item))
}

// paymentCallback is the webhook ingress for gateways that post verdicts
// over HTTP instead of kafka. The reconciler dedupes replays.
func (h *Handler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	var cb paydom.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.payments.OnGatewayCallback(r.Context(), cb); err != nil {
		if errors.Is(err, paydom.ErrIntentNotFound) {
			h.error(w, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error("callback failed", "intent_id", cb.IntentID, "err", err)
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type itemResponse struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func toItemResponse(item invdom.Item) itemResponse {
	return itemResponse{
		ProductID: item.ProductID,
		Stock:     item.Stock,
		Reserved:  item.Reserved,
		Available: item.Available(),
	}
}

func toOrderResponse(o odom.Order) orderResponse {
	items := make([]lineItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, lineItemResponse{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	return orderResponse{
		ID:              o.ID,
		BuyerID:         o.BuyerID,
		Items:           items,
		SubtotalCents:   o.SubtotalCents,
		TotalCents:      o.TotalCents,
		Status:          string(o.Status),
		PaymentIntentID: o.PaymentIntentID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (h *Handler) json(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("encode response failed", "err", err)
	}
}

func (h *Handler) error(w http.ResponseWriter, code int, msg string) {
	h.json(w, code, map[string]string{"error": msg})
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, odom.ErrNotFound) || errors.Is(err, invdom.ErrProductNotFound) {
		h.error(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Error("request failed", "err", err)
	h.error(w, http.StatusInternalServerError, "internal error")
}
