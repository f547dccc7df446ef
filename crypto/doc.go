// Package crypto provides the cryptographic primitives shared by the
// auction mirror.
//
// This package implements:
//
//   - PublicKey: 32-byte ledger account keys with base58 text encoding
//   - Hash: 32-byte digests (commitments, proof hashes) with hex encoding
//   - HMAC-SHA256 signing and constant-time verification of event batches
//   - Ed25519 key generation and signing used by bidders and tests
//
// Commitment arithmetic lives in the auction package; this package only
// supplies the byte-level types it is expressed in.
package crypto
