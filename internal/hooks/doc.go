// Package hooks posts session lifecycle notifications to an external webhook.
//
// A Client subscribes to the event bus and delivers each notification as a
// JSON document carrying a ULID delivery id, so receivers can deduplicate
// retried deliveries. Deliveries are bounded by a semaphore and retried with
// exponential backoff on 5xx, 429 and network errors.
package hooks
