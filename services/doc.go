/*
# Sealbid Services Package

The services package holds the request-side and event-side logic of the
auction mirror. Both sides share one store.Store; neither keeps state of its
own between calls.

## Components

1. **Orchestrator** (`orchestrator.go`, `bids.go`)
  - Validates requests against the mirrored auction
  - Applies rate limits and proof verification before any transaction is built
  - Resolves a recent blockhash through the ledger.Pool and returns unsigned
    transactions for create, bid, reveal, settle, cancel and refund
  - Persists pending rows (auctions, bids) that the reconciler later confirms

2. **Lifecycle** (`lifecycle.go`)
  - Moves active auctions whose bidding window closed to revealing
  - Runs on demand (each reconciliation batch, reveal and settle requests);
    there is no background scheduler

3. **Reconciler** (`reconciler.go`, `backlog.go`)
  - Authenticates event batches with HMAC-SHA256 over the raw body
  - Dispatches each event to a handler that is idempotent under
    at-least-once delivery and never moves an auction backward
  - Defers events whose dependencies are not mirrored yet to a bounded
    backlog; entries that keep failing move to dead-letter state
  - Dead-letters confirmed events that cannot be applied, so none is lost
  - Cancels an auction only when the ledger reports the cancellation

## Errors

Every error returned to a caller is an *apperr.Error. Storage and upstream
causes are logged and wrapped, never exposed.
*/
package services
