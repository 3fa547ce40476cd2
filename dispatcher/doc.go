// Package dispatcher drains the notification, push, email and bulk email
// queues and hands each message to its delivery collaborator.
//
// Delivery is at-least-once. Transient failures are requeued with capped
// exponential backoff until MaxAttempts, then dead-lettered. Permanent
// failures (see core.IsPermanent) are dead-lettered on the first attempt.
package dispatcher
