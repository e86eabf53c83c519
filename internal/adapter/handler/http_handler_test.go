package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/flash-sale-settlement/internal/adapter/payment"
	"github.com/rl1809/flash-sale-settlement/internal/adapter/storage"
	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/core/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.InventoryService) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := storage.NewMemoryStore()
	guard := service.NewIdempotencyGuard(store, storage.NewLRUCache(100, 0), log)

	inventory := service.NewInventoryService(store, nil, service.WithLogger(log))
	reservations := service.NewReservationService(store, guard, nil, service.WithLogger(log))
	orders := service.NewOrderService(store, guard, payment.NewFakeOracle(decimal.Zero), nil, service.WithLogger(log))

	srv := httptest.NewServer(NewHTTPHandler(reservations, orders, inventory, log).Routes())
	t.Cleanup(srv.Close)
	return srv, inventory
}

func do(t *testing.T, srv *httptest.Server, method, path, user string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHTTP_HealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	if status := do(t, srv, http.MethodGet, "/health", "", nil, &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestHTTP_ReserveOrderPay(t *testing.T) {
	srv, inventory := newTestServer(t)
	if _, err := inventory.Provision(context.Background(), "sku-1", "Sneaker", decimal.RequireFromString("19.99"), 2); err != nil {
		t.Fatal(err)
	}

	var res ReservationHTTPResponse
	status := do(t, srv, http.MethodPost, "/reservations", "alice",
		ReservationHTTPRequest{Items: []ItemHTTPRequest{{ProductID: "sku-1", Quantity: 2}}}, &res)
	if status != http.StatusCreated {
		t.Fatalf("create reservation: status = %d", status)
	}
	if res.Status != string(domain.ReservationStatusActive) || len(res.Items) != 1 {
		t.Fatalf("unexpected reservation %+v", res)
	}

	var sold ErrorHTTPResponse
	status = do(t, srv, http.MethodPost, "/reservations", "bob",
		ReservationHTTPRequest{Items: []ItemHTTPRequest{{ProductID: "sku-1", Quantity: 1}}}, &sold)
	if status != http.StatusConflict || sold.Code != domain.CodeInsufficientStock || sold.Retry != domain.RetryLater {
		t.Fatalf("sold out: status = %d body = %+v", status, sold)
	}

	var forbidden ErrorHTTPResponse
	if status := do(t, srv, http.MethodGet, "/reservations/"+res.ID, "bob", nil, &forbidden); status != http.StatusForbidden {
		t.Errorf("foreign reservation: status = %d", status)
	}

	var o OrderHTTPResponse
	status = do(t, srv, http.MethodPost, "/orders", "alice", OrderHTTPRequest{ReservationID: res.ID}, &o)
	if status != http.StatusCreated {
		t.Fatalf("create order: status = %d", status)
	}
	if !o.TotalAmount.Equal(decimal.RequireFromString("39.98")) {
		t.Errorf("total = %s", o.TotalAmount)
	}

	var declined ErrorHTTPResponse
	status = do(t, srv, http.MethodPost, "/orders/"+o.ID+"/pay", "alice", PayHTTPRequest{PaymentID: payment.DeclinePrefix + "1"}, &declined)
	if status != http.StatusPaymentRequired || declined.Code != domain.CodePaymentFailed {
		t.Fatalf("declined pay: status = %d body = %+v", status, declined)
	}

	var paid OrderHTTPResponse
	status = do(t, srv, http.MethodPost, "/orders/"+o.ID+"/pay", "alice", PayHTTPRequest{PaymentID: "pay-1"}, &paid)
	if status != http.StatusOK || paid.Status != string(domain.OrderStatusPaid) || paid.PaidAt == nil {
		t.Fatalf("pay: status = %d body = %+v", status, paid)
	}

	var product ProductHTTPResponse
	if status := do(t, srv, http.MethodGet, "/products/sku-1", "", nil, &product); status != http.StatusOK {
		t.Fatalf("get product: status = %d", status)
	}
	if product.Available != 0 || product.Reserved != 0 || product.Sold != 2 {
		t.Errorf("unexpected counters %+v", product)
	}

	var conflict ErrorHTTPResponse
	status = do(t, srv, http.MethodPost, "/orders/"+o.ID+"/cancel", "alice", nil, &conflict)
	if status != http.StatusConflict || conflict.Code != domain.CodeInvalidStateTransition {
		t.Errorf("cancel paid order: status = %d body = %+v", status, conflict)
	}
}

func TestHTTP_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   domain.Code
	}{
		{"missing user", http.MethodPost, "/reservations", "", ReservationHTTPRequest{Items: []ItemHTTPRequest{{ProductID: "sku-1", Quantity: 1}}}, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"no items", http.MethodPost, "/reservations", "alice", ReservationHTTPRequest{}, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"unknown product", http.MethodPost, "/reservations", "alice", ReservationHTTPRequest{Items: []ItemHTTPRequest{{ProductID: "nope", Quantity: 1}}}, http.StatusNotFound, domain.CodeProductNotFound},
		{"unknown reservation", http.MethodGet, "/reservations/missing", "alice", nil, http.StatusNotFound, domain.CodeNotFound},
		{"bad limit", http.MethodGet, "/orders?limit=-1", "alice", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"list reservations without user", http.MethodGet, "/reservations", "", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"list orders without user", http.MethodGet, "/orders", "", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"get reservation without user", http.MethodGet, "/reservations/missing", "", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
		{"get order without user", http.MethodGet, "/orders/missing", "", nil, http.StatusBadRequest, domain.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorHTTPResponse
			if status := do(t, srv, tt.method, tt.path, tt.user, tt.body, &body); status != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.status, body)
			}
			if body.Code != tt.code {
				t.Errorf("code = %s, want %s", body.Code, tt.code)
			}
		})
	}
}

func TestGRPCHandler_CheckStore(t *testing.T) {
	h := NewGRPCHandler(storage.NewMemoryStore())
	if got := h.CheckStore(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := h.CheckStore(ctx); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status with cancelled context = %s", got)
	}
}

func TestHTTP_IdempotencyKeyInBody(t *testing.T) {
	srv, inventory := newTestServer(t)
	if _, err := inventory.Provision(context.Background(), "sku-1", "Cap", decimal.RequireFromString("5"), 10); err != nil {
		t.Fatal(err)
	}

	req := ReservationHTTPRequest{
		Items:          []ItemHTTPRequest{{ProductID: "sku-1", Quantity: 3}},
		IdempotencyKey: "checkout-1",
	}
	var first, second ReservationHTTPResponse
	if status := do(t, srv, http.MethodPost, "/reservations", "alice", req, &first); status != http.StatusCreated {
		t.Fatalf("first: status = %d", status)
	}
	if status := do(t, srv, http.MethodPost, "/reservations", "alice", req, &second); status != http.StatusCreated {
		t.Fatalf("replay: status = %d", status)
	}
	if first.ID != second.ID {
		t.Errorf("replay created %s, want %s", second.ID, first.ID)
	}

	var product ProductHTTPResponse
	do(t, srv, http.MethodGet, "/products/sku-1", "", nil, &product)
	if product.Available != 7 || product.Reserved != 3 {
		t.Errorf("stock taken twice: %+v", product)
	}
}
