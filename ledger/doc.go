// Package ledger provides the in-process transaction ledger and a wrapper
// that serializes transitions through a distributed KeyLocker.
package ledger
