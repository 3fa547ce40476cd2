// Package queue is the publishing side of the message contract: typed
// helpers over core.QueuePublisher and the wire codec every broker shares.
//
// Publish returns once the broker acknowledged the message. Retries belong
// to the caller.
package queue
