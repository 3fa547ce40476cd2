package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-payhooks/core"
)

const tracerName = "github.com/goliatone/go-payhooks/webhooks"

type Result string

const (
	ResultAccepted     Result = "accepted"
	ResultUnauthorized Result = "unauthorized"
	ResultBadRequest   Result = "bad_request"
	ResultNotFound     Result = "not_found"
	// ResultUnavailable covers ledger and invariant failures; the gateway
	// retries on it.
	ResultUnavailable Result = "unavailable"
)

// Acceptance is the transport-neutral answer to one webhook delivery.
type Acceptance struct {
	Result     Result
	StatusCode int
	Outcome    core.TransitionOutcome
	OrderCode  int64
	Metadata   map[string]any
}

func (a Acceptance) Accepted() bool {
	return a.Result == ResultAccepted
}

type Reconciler struct {
	verifier     Verifier
	ledger       core.TransactionLedger
	emitter      Emitter
	lookup       core.DeliveryLookup
	mapStatus    StatusMapper
	successCodes map[string]struct{}
	observer     *core.Observer
	tracer       trace.Tracer
}

type ReconcilerOption func(*Reconciler)

// WithDeliveryLookup adds a read-side idempotency check ahead of the ledger.
func WithDeliveryLookup(lookup core.DeliveryLookup) ReconcilerOption {
	return func(r *Reconciler) {
		r.lookup = lookup
	}
}

func WithStatusMapper(mapper StatusMapper) ReconcilerOption {
	return func(r *Reconciler) {
		if mapper != nil {
			r.mapStatus = mapper
		}
	}
}

// WithSuccessCodes replaces the gateway codes that mean "event delivered".
func WithSuccessCodes(codes ...string) ReconcilerOption {
	return func(r *Reconciler) {
		set := map[string]struct{}{}
		for _, code := range codes {
			if code = strings.TrimSpace(code); code != "" {
				set[code] = struct{}{}
			}
		}
		if len(set) > 0 {
			r.successCodes = set
		}
	}
}

func WithObserver(observer *core.Observer) ReconcilerOption {
	return func(r *Reconciler) {
		r.observer = observer
	}
}

func WithTracerProvider(provider trace.TracerProvider) ReconcilerOption {
	return func(r *Reconciler) {
		if provider != nil {
			r.tracer = provider.Tracer(tracerName)
		}
	}
}

func NewReconciler(verifier Verifier, ledger core.TransactionLedger, emitter Emitter, opts ...ReconcilerOption) (*Reconciler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("webhooks: signature verifier is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("webhooks: transaction ledger is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("webhooks: emitter is required")
	}
	r := &Reconciler{
		verifier:     verifier,
		ledger:       ledger,
		emitter:      emitter,
		mapStatus:    DefaultStatusMapper,
		successCodes: map[string]struct{}{gatewaySuccessCode: {}},
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// HandleWebhook processes one delivery. The returned error is a go-errors
// envelope for every non-accepted result and nil otherwise.
//
// With a signature header the whole raw body is verified. Without one the
// signature field in the body covers only the raw "data" member, as the
// gateway signs it; "code" and "desc" are unauthenticated there. A tampered
// code therefore reads as a gateway failure (400) rather than a forgery
// (401), and it never reaches the ledger.
func (r *Reconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (Acceptance, error) {
	ctx, span := r.tracer.Start(ctx, "payhooks.webhook.reconcile", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	startedAt := time.Now()

	acceptance, err := r.handle(ctx, rawBody, signature)

	span.SetAttributes(
		attribute.String("payhooks.result", string(acceptance.Result)),
		attribute.String("payhooks.outcome", string(acceptance.Outcome)),
		attribute.Int64("payhooks.order_code", acceptance.OrderCode),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(acceptance.Result))
	}
	r.observer.ObserveOperation(ctx, startedAt, "webhook.reconcile", err, map[string]any{
		"result":     string(acceptance.Result),
		"outcome":    string(acceptance.Outcome),
		"order_code": acceptance.OrderCode,
	})
	return acceptance, err
}

func (r *Reconciler) handle(ctx context.Context, rawBody []byte, signature string) (Acceptance, error) {
	var (
		envelope gatewayEnvelope
		parsed   bool
		parseErr error
	)
	signed := rawBody
	if strings.TrimSpace(signature) == "" {
		// no header: the gateway embeds the signature next to the data it covers
		envelope, parseErr = parseEnvelope(rawBody)
		parsed = true
		signature = envelope.Signature
		signed = envelope.Data
	}
	if !r.verifier.Verify(signed, signature) {
		return reject(ResultUnauthorized, 0, core.NewAuthenticationFailure("webhook signature verification failed"))
	}

	if !parsed {
		envelope, parseErr = parseEnvelope(rawBody)
	}
	if parseErr != nil {
		return reject(ResultBadRequest, 0, core.NewMalformedEvent("webhook body is not valid json", parseErr))
	}
	if _, ok := r.successCodes[strings.TrimSpace(envelope.Code)]; !ok {
		return reject(ResultBadRequest, 0, core.NewMalformedEvent(
			fmt.Sprintf("gateway reported failure code %q", envelope.Code), nil).
			WithMetadata(map[string]any{"code": envelope.Code, "desc": envelope.Desc}))
	}

	event, err := parseEvent(envelope)
	if err != nil {
		return reject(ResultBadRequest, 0, core.NewMalformedEvent("webhook data is malformed", err))
	}
	if event.OrderCode <= 0 {
		return reject(ResultBadRequest, 0, core.NewMalformedEvent("webhook order code is required", nil))
	}
	gatewayID := event.gatewayTransactionID()
	if gatewayID == "" {
		return reject(ResultBadRequest, event.OrderCode, core.NewMalformedEvent("webhook transaction id is required", nil))
	}
	eventTime := event.eventTime()
	if eventTime.IsZero() {
		return reject(ResultBadRequest, event.OrderCode, core.NewMalformedEvent("webhook event time is required", nil))
	}
	target, ok := r.mapStatus(event.Status)
	if !ok || target == core.TransactionStatusPending {
		return reject(ResultBadRequest, event.OrderCode, core.NewMalformedEvent(
			fmt.Sprintf("unmapped gateway status %q", event.Status), nil))
	}

	req := core.TransitionRequest{
		OrderCode:            event.OrderCode,
		TargetStatus:         target,
		GatewayTransactionID: gatewayID,
		EventTime:            eventTime,
		PayloadHash:          payloadHash(rawBody),
	}

	if r.lookup != nil {
		if _, found, lookupErr := r.lookup.Lookup(ctx, req.Key()); lookupErr != nil {
			r.observer.Warn(ctx, "idempotency lookup failed, falling back to ledger", map[string]any{
				"order_code": req.OrderCode,
				"error":      lookupErr.Error(),
			})
		} else if found {
			return accept(req.OrderCode, core.TransitionDuplicate), nil
		}
	}

	result, err := r.ledger.ApplyTransition(ctx, req)
	if err != nil {
		if errors.Is(err, core.ErrInvariantViolation) {
			r.observer.Error(ctx, "ledger invariant violation, operator intervention required", map[string]any{
				"order_code":     req.OrderCode,
				"transaction_id": req.GatewayTransactionID,
				"status":         string(req.TargetStatus),
				"error":          err.Error(),
			})
			return reject(ResultUnavailable, req.OrderCode, core.MapError(err))
		}
		return reject(ResultUnavailable, req.OrderCode, core.MapError(
			goerrors.Wrap(err, goerrors.CategoryInternal, "ledger transition failed").
				WithTextCode(core.ErrorInternal)))
	}

	switch result.Outcome {
	case core.TransitionNotFound:
		return reject(ResultNotFound, req.OrderCode, core.NewUnknownSubject(
			fmt.Sprintf("no transaction for order code %d", req.OrderCode), req.OrderCode))
	case core.TransitionDuplicate:
		return accept(req.OrderCode, result.Outcome), nil
	case core.TransitionStale, core.TransitionConflict:
		ignored := core.NewStaleOrConflictingEvent("webhook event ignored", result.Outcome)
		r.observer.Warn(ctx, ignored.Message, map[string]any{
			"order_code":     req.OrderCode,
			"outcome":        string(result.Outcome),
			"current_status": string(result.Transaction.Status),
			"target_status":  string(req.TargetStatus),
			"event_time":     req.EventTime,
			"text_code":      ignored.TextCode,
		})
		return accept(req.OrderCode, result.Outcome), nil
	case core.TransitionApplied:
	default:
		return reject(ResultUnavailable, req.OrderCode, core.MapError(
			fmt.Errorf("%w: unexpected ledger outcome %q", core.ErrInvariantViolation, result.Outcome)))
	}

	if event.Amount > 0 && event.Amount != result.Transaction.Amount {
		r.observer.Warn(ctx, "webhook amount differs from ledger amount", map[string]any{
			"order_code":     req.OrderCode,
			"webhook_amount": event.Amount,
			"ledger_amount":  result.Transaction.Amount,
		})
	}

	change := StatusChange{
		Transaction:          result.Transaction,
		Previous:             result.Previous,
		GatewayTransactionID: gatewayID,
		EventTime:            eventTime,
	}
	if emitErr := r.emitter.Emit(ctx, change); emitErr != nil {
		r.observer.Error(ctx, "status change not handed to emitter", map[string]any{
			"order_code": req.OrderCode,
			"error":      emitErr.Error(),
			"text_code":  core.ErrorDownstreamPublishFailure,
		})
		r.observer.Count(ctx, "emitter.rejected.total", 1, map[string]string{"status": string(result.Transaction.Status)})
	}
	return accept(req.OrderCode, core.TransitionApplied), nil
}

func accept(orderCode int64, outcome core.TransitionOutcome) Acceptance {
	return Acceptance{
		Result:     ResultAccepted,
		StatusCode: http.StatusOK,
		Outcome:    outcome,
		OrderCode:  orderCode,
		Metadata: map[string]any{
			"order_code": orderCode,
			"outcome":    string(outcome),
			"deduped":    outcome == core.TransitionDuplicate,
		},
	}
}

func reject(result Result, orderCode int64, err *goerrors.Error) (Acceptance, error) {
	status := err.Code
	if status == 0 {
		status = core.HTTPStatus(err.Category)
	}
	return Acceptance{
		Result:     result,
		StatusCode: status,
		OrderCode:  orderCode,
		Metadata: map[string]any{
			"order_code": orderCode,
			"text_code":  err.TextCode,
		},
	}, err
}

func payloadHash(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}
