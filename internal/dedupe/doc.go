// Package dedupe remembers send idempotency keys for a bounded window so a
// retried submission of the same turn maps back to the exchange that is
// already running instead of appending a second user message.
package dedupe
