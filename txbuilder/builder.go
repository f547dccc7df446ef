// Package txbuilder assembles unsigned ledger transactions for each auction
// lifecycle operation.
//
// Every builder resolves its accounts through the addressing package,
// serializes a discriminator-prefixed instruction and, when a priority tier
// is configured, prepends the compute-budget instruction pair.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/flashbots/sealbid/addressing"
	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
)

// Instruction discriminators of the auction program.
const (
	OpCreateAuction uint8 = 1
	OpSubmitBid     uint8 = 2
	OpRevealBid     uint8 = 3
	OpSettleAuction uint8 = 4
	OpCancelAuction uint8 = 5
	OpClaimRefund   uint8 = 6
)

// Variable field bounds.
const (
	MaxProofSize       = 512
	MaxPointerLength   = 128
	MaxTransactionSize = 1232
)

var DefaultProgramID = crypto.MustPublicKey("4cerGDg4RFW8LQ9iZNnB8ao5ALfn9gE7Qaq5xGekwiqT")

var (
	ErrTransactionTooLarge = errors.New("transaction exceeds size limit")
	ErrInvalidBlockhash    = errors.New("invalid recent blockhash")
)

type Config struct {
	ProgramID    crypto.PublicKey
	FeeCollector crypto.PublicKey
	Priority     PriorityTier
}

// Builder is stateless apart from its configuration and safe for
// concurrent use.
type Builder struct {
	cfg     Config
	deriver *addressing.Deriver
}

func New(cfg Config) *Builder {
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = DefaultProgramID
	}
	return &Builder{cfg: cfg, deriver: addressing.NewDeriver(cfg.ProgramID)}
}

// Deriver exposes the address derivation bound to the builder's program.
func (b *Builder) Deriver() *addressing.Deriver { return b.deriver }

type CreateAuctionParams struct {
	Seller                 crypto.PublicKey
	Nonce                  int64
	ProductType            auction.ProductType
	Category               string
	ReservePriceCommitment crypto.Hash
	DurationSeconds        int64
	RevealDurationSeconds  int64
	PaymentMint            crypto.PublicKey
	MinBidIncrement        uint64
	BidCollateral          uint64
	MetadataPointer        string
	Title                  string
	Priority               PriorityTier
}

func (b *Builder) CreateAuction(p CreateAuctionParams, blockhash string) (*Transaction, error) {
	productType, err := p.ProductType.Discriminator()
	if err != nil {
		return nil, err
	}
	category, ok := auction.CategoryIndex(p.Category)
	if !ok {
		return nil, fmt.Errorf("unknown category %q", p.Category)
	}
	auctionAddr, err := b.deriver.Auction(p.Seller, p.Nonce)
	if err != nil {
		return nil, err
	}
	data, err := NewLayout(OpCreateAuction).
		Uint("product_type", 1, uint64(productType)).
		Uint("category", 1, uint64(category)).
		Fixed("reserve_price_commitment", crypto.HashSize, p.ReservePriceCommitment[:]).
		Int("duration", 8, p.DurationSeconds).
		Int("reveal_duration", 8, p.RevealDurationSeconds).
		Int("nonce", 8, p.Nonce).
		Fixed("payment_mint", crypto.PublicKeySize, p.PaymentMint[:]).
		Uint("min_bid_increment", 8, p.MinBidIncrement).
		Uint("bid_collateral", 8, p.BidCollateral).
		Var("metadata_pointer", MaxPointerLength, []byte(p.MetadataPointer)).
		Var("title", auction.MaxTitleLength, []byte(p.Title)).
		Bytes()
	if err != nil {
		return nil, err
	}

	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		b.deriver.ProgramStats,
		func() (addressing.Address, error) { return auctionAddr, nil },
		func() (addressing.Address, error) { return b.deriver.Product(auctionAddr.Key) },
		func() (addressing.Address, error) { return b.deriver.Escrow(auctionAddr.Key) },
		func() (addressing.Address, error) { return b.deriver.EscrowVault(auctionAddr.Key) },
		func() (addressing.Address, error) { return b.deriver.UserProfile(p.Seller) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{ReadOnly(accounts[0])}
	for _, k := range accounts[1:] {
		metas = append(metas, Writable(k))
	}
	metas = append(metas,
		ReadOnly(p.PaymentMint),
		SignerMeta(p.Seller),
		ReadOnly(addressing.TokenProgramID),
		ReadOnly(addressing.SystemProgramID),
	)
	return b.assemble(p.Seller, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

type SubmitBidParams struct {
	Auction        crypto.PublicKey
	Bidder         crypto.PublicKey
	PaymentMint    crypto.PublicKey
	CommitmentHash crypto.Hash
	ProofHash      crypto.Hash
	Proof          []byte
	Priority       PriorityTier
}

func (b *Builder) SubmitBid(p SubmitBidParams, blockhash string) (*Transaction, error) {
	data, err := NewLayout(OpSubmitBid).
		Fixed("commitment_hash", crypto.HashSize, p.CommitmentHash[:]).
		Fixed("proof_hash", crypto.HashSize, p.ProofHash[:]).
		Var("proof", MaxProofSize, p.Proof).
		Bytes()
	if err != nil {
		return nil, err
	}
	pool, err := b.deriver.CollateralPool(p.PaymentMint)
	if err != nil {
		return nil, err
	}
	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		b.deriver.ProgramStats,
		func() (addressing.Address, error) { return addressing.Address{Key: p.Auction}, nil },
		func() (addressing.Address, error) { return b.deriver.Bid(p.Auction, p.Bidder) },
		func() (addressing.Address, error) { return b.deriver.Escrow(p.Auction) },
		func() (addressing.Address, error) { return b.deriver.EscrowVault(p.Auction) },
		func() (addressing.Address, error) { return pool, nil },
		func() (addressing.Address, error) { return addressing.AssociatedTokenAccount(pool.Key, p.PaymentMint) },
		func() (addressing.Address, error) { return addressing.AssociatedTokenAccount(p.Bidder, p.PaymentMint) },
		func() (addressing.Address, error) { return b.deriver.UserProfile(p.Bidder) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{ReadOnly(accounts[0])}
	for _, k := range accounts[1:] {
		metas = append(metas, Writable(k))
	}
	metas = append(metas,
		SignerMeta(p.Bidder),
		ReadOnly(addressing.TokenProgramID),
		ReadOnly(addressing.SystemProgramID),
	)
	return b.assemble(p.Bidder, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

type RevealBidParams struct {
	Auction  crypto.PublicKey
	Bidder   crypto.PublicKey
	Amount   uint64
	Salt     [auction.SaltSize]byte
	Proof    []byte
	Priority PriorityTier
}

func (b *Builder) RevealBid(p RevealBidParams, blockhash string) (*Transaction, error) {
	data, err := NewLayout(OpRevealBid).
		Uint("amount", 8, p.Amount).
		Fixed("salt", auction.SaltSize, p.Salt[:]).
		Var("proof", MaxProofSize, p.Proof).
		Bytes()
	if err != nil {
		return nil, err
	}
	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		func() (addressing.Address, error) { return b.deriver.Bid(p.Auction, p.Bidder) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{
		ReadOnly(accounts[0]),
		Writable(p.Auction),
		Writable(accounts[1]),
		SignerMeta(p.Bidder),
	}
	return b.assemble(p.Bidder, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

type SettleAuctionParams struct {
	Auction     crypto.PublicKey
	Payer       crypto.PublicKey
	Seller      crypto.PublicKey
	Winner      crypto.PublicKey
	PaymentMint crypto.PublicKey
	Priority    PriorityTier
}

func (b *Builder) SettleAuction(p SettleAuctionParams, blockhash string) (*Transaction, error) {
	data, err := NewLayout(OpSettleAuction).Bytes()
	if err != nil {
		return nil, err
	}
	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		b.deriver.ProgramStats,
		func() (addressing.Address, error) { return b.deriver.Escrow(p.Auction) },
		func() (addressing.Address, error) { return b.deriver.EscrowVault(p.Auction) },
		func() (addressing.Address, error) { return b.deriver.Bid(p.Auction, p.Winner) },
		func() (addressing.Address, error) { return addressing.AssociatedTokenAccount(p.Winner, p.PaymentMint) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{
		ReadOnly(accounts[0]),
		Writable(accounts[1]),
		Writable(p.Auction),
		Writable(accounts[2]),
		Writable(accounts[3]),
		Writable(accounts[4]),
		Writable(accounts[5]),
		ReadOnly(p.Winner),
		ReadOnly(p.Seller),
	}
	if !b.cfg.FeeCollector.IsZero() {
		metas = append(metas, Writable(b.cfg.FeeCollector))
	}
	metas = append(metas, SignerMeta(p.Payer), ReadOnly(addressing.TokenProgramID))
	return b.assemble(p.Payer, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

type CancelAuctionParams struct {
	Auction  crypto.PublicKey
	Seller   crypto.PublicKey
	Priority PriorityTier
}

func (b *Builder) CancelAuction(p CancelAuctionParams, blockhash string) (*Transaction, error) {
	data, err := NewLayout(OpCancelAuction).Bytes()
	if err != nil {
		return nil, err
	}
	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		b.deriver.ProgramStats,
		func() (addressing.Address, error) { return b.deriver.Escrow(p.Auction) },
		func() (addressing.Address, error) { return b.deriver.EscrowVault(p.Auction) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{
		ReadOnly(accounts[0]),
		Writable(accounts[1]),
		Writable(p.Auction),
		Writable(accounts[2]),
		Writable(accounts[3]),
		SignerMeta(p.Seller),
		ReadOnly(addressing.TokenProgramID),
		ReadOnly(addressing.SystemProgramID),
	}
	return b.assemble(p.Seller, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

type ClaimRefundParams struct {
	Auction     crypto.PublicKey
	Bidder      crypto.PublicKey
	PaymentMint crypto.PublicKey
	Priority    PriorityTier
}

func (b *Builder) ClaimRefund(p ClaimRefundParams, blockhash string) (*Transaction, error) {
	data, err := NewLayout(OpClaimRefund).Bytes()
	if err != nil {
		return nil, err
	}
	pool, err := b.deriver.CollateralPool(p.PaymentMint)
	if err != nil {
		return nil, err
	}
	accounts, err := b.resolve(
		b.deriver.ProgramConfig,
		func() (addressing.Address, error) { return b.deriver.Bid(p.Auction, p.Bidder) },
		func() (addressing.Address, error) { return addressing.AssociatedTokenAccount(pool.Key, p.PaymentMint) },
		func() (addressing.Address, error) { return addressing.AssociatedTokenAccount(p.Bidder, p.PaymentMint) },
		func() (addressing.Address, error) { return b.deriver.UserProfile(p.Bidder) },
	)
	if err != nil {
		return nil, err
	}
	metas := []AccountMeta{
		ReadOnly(accounts[0]),
		ReadOnly(p.Auction),
		Writable(accounts[1]),
		Writable(pool.Key),
		Writable(accounts[2]),
		Writable(accounts[3]),
		Writable(accounts[4]),
		SignerMeta(p.Bidder),
		ReadOnly(addressing.TokenProgramID),
	}
	return b.assemble(p.Bidder, blockhash, p.Priority, Instruction{ProgramID: b.cfg.ProgramID, Accounts: metas, Data: data})
}

func (b *Builder) resolve(derivers ...func() (addressing.Address, error)) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, len(derivers))
	for i, d := range derivers {
		addr, err := d()
		if err != nil {
			return nil, fmt.Errorf("derive account %d: %w", i, err)
		}
		keys[i] = addr.Key
	}
	return keys, nil
}

func (b *Builder) assemble(feePayer crypto.PublicKey, blockhash string, tier PriorityTier, ix Instruction) (*Transaction, error) {
	hash, err := crypto.NewPublicKeyFromString(blockhash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlockhash, err)
	}
	if tier == PriorityNone {
		tier = b.cfg.Priority
	}
	ixs, err := priorityInstructions(tier)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, ix)

	msg, signers, err := compileMessage(feePayer, hash, ixs)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		FeePayer:        feePayer,
		RecentBlockhash: blockhash,
		Instructions:    ixs,
		Message:         msg,
		NumSigners:      signers,
	}
	if size := len(tx.Serialize()); size > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, size)
	}
	return tx, nil
}
