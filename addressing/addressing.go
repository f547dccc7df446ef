// Package addressing derives protocol account addresses from fixed seeds.
//
// Derivation is a pure function of the seeds and the program id: the
// transaction builder and the event reconciler compute the same address
// independently without touching the network.
package addressing

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/flashbots/sealbid/crypto"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// Seed prefixes understood by the auction program.
const (
	SeedAuction        = "auction"
	SeedBid            = "bid"
	SeedEscrow         = "escrow"
	SeedEscrowVault    = "escrow_vault"
	SeedCollateralPool = "collateral_pool"
	SeedProduct        = "product"
	SeedProgramConfig  = "program_config"
	SeedProgramStats   = "program_stats"
	SeedUserProfile    = "user_profile"
)

var (
	ErrTooManySeeds = errors.New("too many seeds")
	ErrSeedTooLong  = errors.New("seed exceeds 32 bytes")
	ErrOnCurve      = errors.New("derived address lies on the ed25519 curve")
	ErrNoViableBump = errors.New("no bump seed yields an off-curve address")
)

// Address is a derived account together with the bump that produced it.
type Address struct {
	Key  crypto.PublicKey
	Bump uint8
}

// CreateProgramAddress hashes seeds with the program id. It fails with
// ErrOnCurve when the digest is a valid curve point, since such an address
// could have a private key.
func CreateProgramAddress(seeds [][]byte, programID crypto.PublicKey) (crypto.PublicKey, error) {
	if len(seeds) > MaxSeeds {
		return crypto.PublicKey{}, ErrTooManySeeds
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return crypto.PublicKey{}, fmt.Errorf("%w: %d", ErrSeedTooLong, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var key crypto.PublicKey
	copy(key[:], h.Sum(nil))
	if isOnCurve(key[:]) {
		return crypto.PublicKey{}, ErrOnCurve
	}
	return key, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID crypto.PublicKey) (Address, error) {
	if len(seeds) >= MaxSeeds {
		return Address{}, ErrTooManySeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		key, err := CreateProgramAddress(withBump, programID)
		if errors.Is(err, ErrOnCurve) {
			continue
		}
		if err != nil {
			return Address{}, err
		}
		return Address{Key: key, Bump: uint8(bump)}, nil
	}
	return Address{}, ErrNoViableBump
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// Deriver binds derivation to one program id.
type Deriver struct {
	ProgramID crypto.PublicKey
}

func NewDeriver(programID crypto.PublicKey) *Deriver {
	return &Deriver{ProgramID: programID}
}

func (d *Deriver) derive(seeds ...[]byte) (Address, error) {
	return FindProgramAddress(seeds, d.ProgramID)
}

// Auction derives the auction account for seller; nonce is the creation
// timestamp in unix milliseconds.
func (d *Deriver) Auction(seller crypto.PublicKey, nonce int64) (Address, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], uint64(nonce))
	return d.derive([]byte(SeedAuction), seller[:], le[:])
}

func (d *Deriver) Bid(auction, bidder crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedBid), auction[:], bidder[:])
}

func (d *Deriver) Escrow(auction crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedEscrow), auction[:])
}

func (d *Deriver) EscrowVault(auction crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedEscrowVault), auction[:])
}

func (d *Deriver) CollateralPool(mint crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedCollateralPool), mint[:])
}

func (d *Deriver) Product(auction crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedProduct), auction[:])
}

func (d *Deriver) ProgramConfig() (Address, error) {
	return d.derive([]byte(SeedProgramConfig))
}

func (d *Deriver) ProgramStats() (Address, error) {
	return d.derive([]byte(SeedProgramStats))
}

func (d *Deriver) UserProfile(user crypto.PublicKey) (Address, error) {
	return d.derive([]byte(SeedUserProfile), user[:])
}

// Well-known programs referenced by auction transactions.
var (
	SystemProgramID          = crypto.MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = crypto.MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = crypto.MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// AssociatedTokenAccount derives the canonical token account holding mint
// for wallet.
func AssociatedTokenAccount(wallet, mint crypto.PublicKey) (Address, error) {
	return FindProgramAddress([][]byte{wallet[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
}
