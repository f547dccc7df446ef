package auction

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/flashbots/sealbid/crypto"
)

// SaltSize is the length of the secret blinding a bid amount.
const SaltSize = 32

// ErrCommitmentMismatch is returned when a disclosed opening does not hash
// to the stored commitment.
var ErrCommitmentMismatch = errors.New("commitment mismatch")

// ComputeCommitment hashes amount (little-endian u64), salt and the bidder's
// base58 key text with SHA-256.
func ComputeCommitment(amount uint64, salt [SaltSize]byte, bidderKey string) crypto.Hash {
	h := sha256.New()
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], amount)
	h.Write(le[:])
	h.Write(salt[:])
	h.Write([]byte(bidderKey))
	var out crypto.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyCommitment recomputes the commitment and compares it in constant time.
func VerifyCommitment(commitment crypto.Hash, amount uint64, salt [SaltSize]byte, bidderKey string) error {
	if !ComputeCommitment(amount, salt, bidderKey).Equal(commitment) {
		return ErrCommitmentMismatch
	}
	return nil
}
