// Package outbox implements the outbox business logic: creating entries
// from a send request, listing and editing them under the derived-status
// rules, cancellation, capacity boosts, and delivery-info reads.
package outbox
