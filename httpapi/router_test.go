package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/ledger"
	"github.com/goliatone/go-payhooks/metrics"
	"github.com/goliatone/go-payhooks/queue/memory"
	"github.com/goliatone/go-payhooks/webhooks"
)

const testSecret = "checksum-key"

type webhookFixture struct {
	ledger   *ledger.Memory
	broker   *memory.Broker
	emitter  *webhooks.AsyncEmitter
	verifier *webhooks.HMACVerifier
	recorder *metrics.PrometheusRecorder
	router   http.Handler
}

func newWebhookFixture(t *testing.T, opts ...Option) *webhookFixture {
	t.Helper()
	ctx := context.Background()
	f := &webhookFixture{
		ledger:   ledger.NewMemory(),
		broker:   memory.New(),
		recorder: metrics.NewPrometheusRecorder(),
	}
	if _, err := f.ledger.Create(ctx, core.Transaction{OrderCode: 1001, Amount: 50000, OwnerID: "user-1", OwnerEmail: "owner@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var err error
	f.verifier, err = webhooks.NewHMACVerifier(testSecret, core.SignatureEncodingHex)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	f.emitter, err = webhooks.NewAsyncEmitter(f.broker)
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	observer := core.NewObserver(nil, f.recorder, "payhooks")
	reconciler, err := webhooks.NewReconciler(f.verifier, f.ledger, f.emitter, webhooks.WithObserver(observer))
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	base := []Option{WithObserver(observer), WithMetricsHandler(f.recorder.Handler())}
	server, err := NewServer(reconciler, append(base, opts...)...)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	f.router = server.Routes()
	return f
}

func (f *webhookFixture) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func paidBody(orderCode int64, transactionID string) []byte {
	return []byte(fmt.Sprintf(
		`{"code":"00","desc":"success","data":{"orderCode":%d,"amount":50000,"status":"PAID","transactionId":%q,"time":1000}}`,
		orderCode, transactionID,
	))
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	return envelope.Error
}

func TestWebhookAcceptsOnceAndDuplicateLooksTheSame(t *testing.T) {
	f := newWebhookFixture(t)
	body := paidBody(1001, "tx-1")
	signature := f.verifier.Sign(body)

	first := f.post(body, signature)
	second := f.post(body, signature)
	for i, rec := range []*httptest.ResponseRecorder{first, second} {
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"success":true}` {
			t.Fatalf("delivery %d: unexpected response %d %s", i+1, rec.Code, rec.Body.String())
		}
	}

	if err := f.emitter.Close(context.Background()); err != nil {
		t.Fatalf("close emitter: %v", err)
	}
	tx, _ := f.ledger.Find(context.Background(), 1001)
	if tx.Status != core.TransactionStatusSuccess {
		t.Fatalf("expected success, got %s", tx.Status)
	}
	deliveries, _ := f.ledger.Deliveries(context.Background(), 1001)
	if len(deliveries) != 1 {
		t.Fatalf("expected one recorded delivery, got %d", len(deliveries))
	}
	published := 0
	for _, kind := range core.MessageKinds {
		published += f.broker.Len(kind)
	}
	if published == 0 {
		t.Fatalf("expected the applied transition to publish")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	rec := f.post(paidBody(1001, "tx-1"), "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", rec.Code, rec.Body.String())
	}
	body := decodeEnvelope(t, rec)
	if body.TextCode != core.ErrorAuthenticationFailure || body.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected envelope %+v", body)
	}
	tx, _ := f.ledger.Find(context.Background(), 1001)
	if tx.Status != core.TransactionStatusPending {
		t.Fatalf("unauthenticated webhook must not touch the ledger")
	}
}

func TestWebhookUnknownOrderIsNotFound(t *testing.T) {
	f := newWebhookFixture(t)
	body := paidBody(4242, "tx-9")
	rec := f.post(body, f.verifier.Sign(body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeEnvelope(t, rec).TextCode; got != core.ErrorUnknownSubject {
		t.Fatalf("unexpected text code %s", got)
	}
}

func TestWebhookMalformedBodyIsBadRequest(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"code":"00","data":`)
	rec := f.post(body, f.verifier.Sign(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	f := newWebhookFixture(t, WithMaxBodyBytes(16))
	rec := f.post(paidBody(1001, "tx-1"), "sig")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if got := decodeEnvelope(t, rec).TextCode; got != ErrorPayloadTooLarge {
		t.Fatalf("unexpected text code %s", got)
	}
}

func TestCustomWebhookPath(t *testing.T) {
	f := newWebhookFixture(t, WithWebhookPath("hooks/gateway"))
	body := paidBody(1001, "tx-1")
	req := httptest.NewRequest(http.MethodPost, "/hooks/gateway", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, f.verifier.Sign(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom path to accept, got %d", rec.Code)
	}
	if old := f.post(body, f.verifier.Sign(body)); old.Code != http.StatusNotFound && old.Code != http.StatusMethodNotAllowed {
		t.Fatalf("default path should not be mounted, got %d", old.Code)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	var failing bool
	f := newWebhookFixture(t, WithHealthCheck("ledger", func(context.Context) error {
		if failing {
			return errors.New("database unreachable")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	failing = true
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database unreachable") {
		t.Fatalf("expected unavailable health, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `payhooks_http_requests_total{code="200",method="GET",route="/healthz"}`) {
		t.Fatalf("expected http request counter in:\n%s", rec.Body.String())
	}
}
