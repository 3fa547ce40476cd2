// Package webhooks turns signed payment-gateway callbacks into ledger
// transitions and hands applied status changes to an emitter that publishes
// notification and email messages off the request path.
//
// A delivery is verified over its raw bytes before anything else reads it.
// Stale, conflicting and duplicate events are accepted without side effects
// so the gateway stops retrying them.
package webhooks
