package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/core/service"
)

const (
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

type HTTPHandler struct {
	reservations *service.ReservationService
	orders       *service.OrderService
	inventory    *service.InventoryService
	log          *zap.Logger
	tracer       trace.Tracer
}

func NewHTTPHandler(reservations *service.ReservationService, orders *service.OrderService, inventory *service.InventoryService, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{
		reservations: reservations,
		orders:       orders,
		inventory:    inventory,
		log:          log,
		tracer:       otel.Tracer("flash-sale-http"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/products/{id}", func(r chi.Router) {
		r.Get("/", h.getProduct)
		r.Post("/stock", h.provisionStock)
	})

	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.createReservation)
		r.Get("/", h.listReservations)
		r.Get("/{id}", h.getReservation)
		r.Post("/{id}/cancel", h.cancelReservation)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Post("/{id}/pay", h.payOrder)
		r.Post("/{id}/cancel", h.cancelOrder)
	})
	return r
}

type ItemHTTPRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReservationHTTPRequest struct {
	Items          []ItemHTTPRequest `json:"items"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type OrderHTTPRequest struct {
	ReservationID  string `json:"reservation_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type PayHTTPRequest struct {
	PaymentID string `json:"payment_id"`
}

type ProvisionHTTPRequest struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Code    domain.Code       `json:"code"`
	Retry   domain.RetryClass `json:"retry"`
	Message string            `json:"message"`
}

type ProductHTTPResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available int             `json:"available"`
	Reserved  int             `json:"reserved"`
	Sold      int             `json:"sold"`
}

type LineHTTPResponse struct {
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	PriceSnapshot decimal.Decimal `json:"price_snapshot"`
}

type ReservationHTTPResponse struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Status    string             `json:"status"`
	ExpiresAt time.Time          `json:"expires_at"`
	Items     []LineHTTPResponse `json:"items"`
	CreatedAt time.Time          `json:"created_at"`
}

type OrderHTTPResponse struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	ReservationID    string             `json:"reservation_id"`
	Status           string             `json:"status"`
	TotalAmount      decimal.Decimal    `json:"total_amount"`
	PaymentID        string             `json:"payment_id,omitempty"`
	PaymentExpiresAt time.Time          `json:"payment_expires_at"`
	PaidAt           *time.Time         `json:"paid_at,omitempty"`
	Items            []LineHTTPResponse `json:"items"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.inventory.GetStock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse(p))
}

func (h *HTTPHandler) provisionStock(w http.ResponseWriter, r *http.Request) {
	var req ProvisionHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.inventory.Provision(r.Context(), chi.URLParam(r, "id"), req.Name, req.Price, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse(p))
}

func (h *HTTPHandler) createReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateReservation")
	defer span.End()

	var req ReservationHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	items := make([]domain.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, domain.ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	res, err := h.reservations.Create(ctx, r.Header.Get(headerUserID), items, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse(res))
}

func (h *HTTPHandler) listReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	list, err := h.reservations.List(r.Context(), domain.ReservationFilter{
		UserID: userID,
		Status: domain.ReservationStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ReservationHTTPResponse, 0, len(list))
	for i := range list {
		out = append(out, reservationResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) getReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	res, err := h.reservations.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse(res))
}

func (h *HTTPHandler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelReservation")
	defer span.End()

	id := chi.URLParam(r, "id")
	if err := h.reservations.Cancel(ctx, id, r.Header.Get(headerUserID)); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.reservations.Get(ctx, id, r.Header.Get(headerUserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse(res))
}

func (h *HTTPHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req OrderHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Create(ctx, r.Header.Get(headerUserID), req.ReservationID, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(o))
}

func (h *HTTPHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	list, err := h.orders.List(r.Context(), domain.OrderFilter{
		UserID: userID,
		Status: domain.OrderStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]OrderHTTPResponse, 0, len(list))
	for i := range list {
		out = append(out, orderResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(o))
}

func (h *HTTPHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PayOrder")
	defer span.End()

	var req PayHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.orders.Pay(ctx, chi.URLParam(r, "id"), r.Header.Get(headerUserID), req.PaymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(o))
}

func (h *HTTPHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	id := chi.URLParam(r, "id")
	if err := h.orders.Cancel(ctx, id, r.Header.Get(headerUserID)); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.orders.Get(ctx, id, r.Header.Get(headerUserID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(o))
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body", domain.ErrInvalidRequest))
		return false
	}
	return true
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(r *http.Request, fromBody string) string {
	if k := r.Header.Get(headerIdempotencyKey); k != "" {
		return k
	}
	return fromBody
}

// caller returns the X-User-ID of the request; reads are scoped to it.
func (h *HTTPHandler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		h.writeError(w, r, fmt.Errorf("%w: %s header required", domain.ErrInvalidRequest, headerUserID))
		return "", false
	}
	return userID, true
}

func (h *HTTPHandler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeError(w, r, fmt.Errorf("%w: bad limit %q", domain.ErrInvalidRequest, raw))
		return 0, false
	}
	return n, true
}

var statusByCode = map[domain.Code]int{
	domain.CodeNotFound:                http.StatusNotFound,
	domain.CodeProductNotFound:         http.StatusNotFound,
	domain.CodeOwnershipViolation:      http.StatusForbidden,
	domain.CodeInvalidStateTransition:  http.StatusConflict,
	domain.CodeInvalidReservationState: http.StatusConflict,
	domain.CodeInvalidOrderState:       http.StatusConflict,
	domain.CodeInsufficientStock:       http.StatusConflict,
	domain.CodeReservationExpired:      http.StatusGone,
	domain.CodePaymentWindowExpired:    http.StatusGone,
	domain.CodeIdempotencyKeyReused:    http.StatusConflict,
	domain.CodePaymentFailed:           http.StatusPaymentRequired,
	domain.CodeInvalidRequest:          http.StatusBadRequest,
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		message = "internal error"
	}
	if errors.Is(err, domain.ErrInsufficientStock) {
		message = "sold out: " + message
	}

	writeJSON(w, status, ErrorHTTPResponse{
		Code:    code,
		Retry:   domain.RetryClassOf(err),
		Message: message,
	})
}

func productResponse(p *domain.Product) ProductHTTPResponse {
	return ProductHTTPResponse{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Available: p.Available,
		Reserved:  p.Reserved,
		Sold:      p.Sold,
	}
}

func reservationResponse(res *domain.Reservation) ReservationHTTPResponse {
	items := make([]LineHTTPResponse, 0, len(res.Items))
	for _, it := range res.Items {
		items = append(items, LineHTTPResponse{ProductID: it.ProductID, Quantity: it.Quantity, PriceSnapshot: it.PriceSnapshot})
	}
	return ReservationHTTPResponse{
		ID:        res.ID,
		UserID:    res.UserID,
		Status:    string(res.Status),
		ExpiresAt: res.ExpiresAt,
		Items:     items,
		CreatedAt: res.CreatedAt,
	}
}

func orderResponse(o *domain.Order) OrderHTTPResponse {
	items := make([]LineHTTPResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, LineHTTPResponse{ProductID: it.ProductID, Quantity: it.Quantity, PriceSnapshot: it.PriceSnapshot})
	}
	return OrderHTTPResponse{
		ID:               o.ID,
		UserID:           o.UserID,
		ReservationID:    o.ReservationID,
		Status:           string(o.Status),
		TotalAmount:      o.TotalAmount,
		PaymentID:        o.PaymentID,
		PaymentExpiresAt: o.PaymentExpiresAt,
		PaidAt:           o.PaidAt,
		Items:            items,
		CreatedAt:        o.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
