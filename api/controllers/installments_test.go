package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/installments-gateway/internal/installments"
	"github.com/angelmondragon/installments-gateway/internal/subscriptions"
	"github.com/angelmondragon/installments-gateway/pkg/config"
	pkgerrors "github.com/angelmondragon/installments-gateway/pkg/errors"
	"github.com/angelmondragon/installments-gateway/pkg/logger"
)

type stubInstallments struct {
	checkoutInput installments.CheckoutInput
	returnOrder   uuid.UUID
	returnFlow    string
	returnURL     string
	summaryKey    string
	err           error
}

func (s *stubInstallments) Options(total string) ([]installments.Option, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []installments.Option{{NumberOfInstallments: 2, Eligible: true, InstallmentAmount: "50.00"}}, nil
}

func (s *stubInstallments) StartCheckout(_ context.Context, input installments.CheckoutInput) (*installments.CheckoutResult, error) {
	s.checkoutInput = input
	if s.err != nil {
		return nil, s.err
	}
	return &installments.CheckoutResult{
		OrderID:              input.OrderID,
		RedirectFlowID:       "RE123",
		RedirectURL:          "https://pay-sandbox.gocardless.com/flow/RE123",
		NumberOfInstallments: input.NumberOfInstallments,
	}, nil
}

func (s *stubInstallments) HandleReturn(_ context.Context, orderID uuid.UUID, redirectFlowID string) (string, error) {
	s.returnOrder = orderID
	s.returnFlow = redirectFlowID
	if s.err != nil {
		return "", s.err
	}
	return s.returnURL, nil
}

func (s *stubInstallments) Summary(_ context.Context, orderID uuid.UUID, orderKey string) (*installments.Summary, error) {
	s.summaryKey = orderKey
	if s.err != nil {
		return nil, s.err
	}
	return &installments.Summary{OrderID: orderID, NumberOfInstallments: 4, InstallmentAmount: "25.00"}, nil
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestInstallmentOptionsRequiresTotal(t *testing.T) {
	handler := InstallmentOptions(&stubInstallments{}, logger.Nop())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/installments/options", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/installments/options?total=100.00", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"installment_amount":"50.00"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestInstallmentCheckoutValidatesBody(t *testing.T) {
	svc := &stubInstallments{}
	handler := InstallmentCheckout(svc, logger.Nop())

	body := `{"order_id":"` + uuid.NewString() + `","order_key":"wc_order_1","number_of_installments":3}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/installments/checkout", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a 3 installment plan got %d", rec.Code)
	}
	if svc.checkoutInput.OrderID != uuid.Nil {
		t.Fatal("service should not be called on invalid input")
	}
}

func TestInstallmentCheckoutCreatesRedirect(t *testing.T) {
	svc := &stubInstallments{}
	handler := InstallmentCheckout(svc, logger.Nop())
	orderID := uuid.New()

	body := `{"order_id":"` + orderID.String() + `","order_key":" wc_order_1 ","number_of_installments":4}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/installments/checkout", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.checkoutInput.OrderID != orderID || svc.checkoutInput.OrderKey != "wc_order_1" || svc.checkoutInput.NumberOfInstallments != 4 {
		t.Fatalf("unexpected input %+v", svc.checkoutInput)
	}
	var payload struct {
		Data installments.CheckoutResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.RedirectURL == "" {
		t.Fatal("expected redirect url")
	}
}

func TestInstallmentReturnRedirects(t *testing.T) {
	svc := &stubInstallments{returnURL: "https://shop.example.com/checkout/order-received/42/?key=wc_order_1"}
	handler := InstallmentReturn(svc, logger.Nop())
	orderID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/installments/return?order_id="+orderID.String()+"&redirect_flow_id=RE123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") != svc.returnURL {
		t.Fatalf("unexpected location %q", rec.Header().Get("Location"))
	}
	if svc.returnOrder != orderID || svc.returnFlow != "RE123" {
		t.Fatalf("unexpected call %s %s", svc.returnOrder, svc.returnFlow)
	}
}

func TestInstallmentReturnSurfacesPaymentFailure(t *testing.T) {
	svc := &stubInstallments{err: pkgerrors.New(pkgerrors.CodePaymentFailed, "Error: Mandate was cancelled. You have not been charged.")}
	handler := InstallmentReturn(svc, logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/installments/return?order_id="+uuid.NewString()+"&redirect_flow_id=RE123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "You have not been charged.") {
		t.Fatalf("expected not-charged message, got %s", rec.Body.String())
	}
}

func TestInstallmentReturnRequiresFlowID(t *testing.T) {
	svc := &stubInstallments{}
	handler := InstallmentReturn(svc, logger.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/installments/return?order_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if svc.returnFlow != "" {
		t.Fatal("service should not be called")
	}
}

func TestInstallmentSummaryPassesOrderKey(t *testing.T) {
	svc := &stubInstallments{}
	handler := InstallmentSummary(svc, logger.Nop())
	orderID := uuid.New()

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+orderID.String()+"/installments?key=wc_order_1", nil), "orderId", orderID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.summaryKey != "wc_order_1" {
		t.Fatalf("unexpected key %q", svc.summaryKey)
	}

	req = withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope/installments?key=k", nil), "orderId", "nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad order id got %d", rec.Code)
	}
}

type stubSubscriptions struct {
	details *subscriptions.Details
	err     error
}

func (s stubSubscriptions) Details(_ context.Context, orderID uuid.UUID) (*subscriptions.Details, error) {
	if s.err != nil {
		return nil, s.err
	}
	d := *s.details
	d.OrderID = orderID
	return &d, nil
}

func TestAdminSubscriptionDetails(t *testing.T) {
	orderID := uuid.New()
	handler := AdminSubscriptionDetails(stubSubscriptions{details: &subscriptions.Details{SubscriptionID: "SB123"}}, logger.Nop())

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "orderId", orderID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"subscription_id":"SB123"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	handler = AdminSubscriptionDetails(stubSubscriptions{err: pkgerrors.New(pkgerrors.CodeNotFound, "order not found")}, logger.Nop())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withURLParam(httptest.NewRequest(http.MethodGet, "/", nil), "orderId", orderID.String()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealthReady(t *testing.T) {
	cfg := &config.Config{App: config.AppConfig{Env: "test"}}

	rec := httptest.NewRecorder()
	HealthReady(cfg, logger.Nop(), stubPinger{}, stubPinger{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec.Header().Get(envHeader) != "test" {
		t.Fatalf("missing env header")
	}

	rec = httptest.NewRecorder()
	HealthReady(cfg, logger.Nop(), stubPinger{}, stubPinger{err: errors.New("redis down")}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"redis":"down"`) {
		t.Fatalf("expected redis down detail, got %s", rec.Body.String())
	}
}
