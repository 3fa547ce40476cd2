// Package httpapi mounts the payment webhook endpoint and the service's
// operational routes on a chi router.
//
// The webhook route reads the raw body once, bounded by MaxBodyBytes, and
// hands it unchanged to the reconciler so the signature is checked over the
// exact bytes the gateway signed. Accepted deliveries, fresh or duplicate,
// answer 200 {"success":true}; every rejection is a JSON error envelope.
package httpapi
