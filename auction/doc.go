// Package auction holds the mirrored data model of the sealed-bid auction
// and the rules that govern it.
//
// This package implements:
//
//   - Auction, Bid and Fulfillment records as stored in the mirror
//   - The status machine pending -> active -> revealing -> {settled, cancelled}
//   - Commitment hashing for commit-reveal bids
//   - Deterministic ranking of revealed bids and second-price settlement
//   - Escrow release policy, escrow security level and refund amounts
//
// Nothing here performs I/O. Callers persist the results through the store
// package, which applies transitions with compare-and-swap semantics.
package auction
