// Package core holds the payment reconciliation domain: transactions and
// their status graph, webhook idempotency records, the queue message union,
// the collaborator contracts the rest of the module is written against, and
// the shared config, error and observability plumbing.
package core
