// Package events defines the ledger events consumed by the reconciler.
//
// Each event type has its own schema, validated strictly when a batch is
// decoded. Unrecognized types decode to Unknown so the reconciler can log
// and skip them without failing the batch.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/sealbid/crypto"
)

type Type string

const (
	TypeAuctionCreated     Type = "auction-created"
	TypeBidSubmitted       Type = "bid-submitted"
	TypeBidRevealed        Type = "bid-revealed"
	TypeAuctionSettled     Type = "auction-settled"
	TypeRevealPhaseStarted Type = "reveal-phase-started"
	TypeAuctionCancelled   Type = "auction-cancelled"
	TypeRefundClaimed      Type = "refund-claimed"
	TypeDeliveryConfirmed  Type = "delivery-confirmed"
)

var ErrSchema = errors.New("event schema violation")

// Envelope is the wire form of one event in a batch.
type Envelope struct {
	Type        Type            `json:"type"`
	Signature   string          `json:"signature"`
	Slot        uint64          `json:"slot"`
	Timestamp   int64           `json:"timestamp"`
	AccountData json.RawMessage `json:"accountData"`
}

// Meta carries the envelope fields common to every event.
type Meta struct {
	Type      Type
	Signature string
	Slot      uint64
	Timestamp time.Time
}

func (m Meta) meta() Meta { return m }

// Event is one of the concrete event types below.
type Event interface {
	meta() Meta
	// Key is the business key the event applies to.
	Key() string
}

// MetaOf returns the envelope fields of e.
func MetaOf(e Event) Meta { return e.meta() }

type AuctionCreated struct {
	Meta                   `json:"-"`
	Auction                crypto.PublicKey `json:"auction"`
	Seller                 crypto.PublicKey `json:"seller"`
	ProductType            string           `json:"productType"`
	Category               string           `json:"category"`
	ReservePriceCommitment crypto.Hash      `json:"reservePriceCommitment"`
	StartTime              int64            `json:"startTime"`
	EndTime                int64            `json:"endTime"`
	RevealDuration         int64            `json:"revealDuration"`
	PaymentMint            crypto.PublicKey `json:"paymentMint"`
	MinBidIncrement        uint64           `json:"minBidIncrement"`
	BidCollateral          uint64           `json:"bidCollateral"`
	MetadataPointer        string           `json:"metadataPointer"`
}

func (e *AuctionCreated) Key() string { return e.Auction.String() }

func (e *AuctionCreated) validate() error {
	switch {
	case e.Auction.IsZero():
		return missing("auction")
	case e.Seller.IsZero():
		return missing("seller")
	case e.PaymentMint.IsZero():
		return missing("paymentMint")
	case e.ProductType == "":
		return missing("productType")
	case e.EndTime <= e.StartTime:
		return fmt.Errorf("%w: endTime must be after startTime", ErrSchema)
	case e.RevealDuration <= 0:
		return fmt.Errorf("%w: revealDuration must be positive", ErrSchema)
	}
	return nil
}

type BidSubmitted struct {
	Meta           `json:"-"`
	Auction        crypto.PublicKey `json:"auction"`
	Bid            crypto.PublicKey `json:"bid"`
	Bidder         crypto.PublicKey `json:"bidder"`
	CommitmentHash crypto.Hash      `json:"commitmentHash"`
	ProofHash      crypto.Hash      `json:"proofHash"`
	Collateral     uint64           `json:"collateral"`
}

func (e *BidSubmitted) Key() string { return e.Auction.String() + "/" + e.CommitmentHash.String() }

func (e *BidSubmitted) validate() error {
	switch {
	case e.Auction.IsZero():
		return missing("auction")
	case e.Bid.IsZero():
		return missing("bid")
	case e.Bidder.IsZero():
		return missing("bidder")
	case e.CommitmentHash.IsZero():
		return missing("commitmentHash")
	}
	return nil
}

type BidRevealed struct {
	Meta    `json:"-"`
	Auction crypto.PublicKey `json:"auction"`
	Bid     crypto.PublicKey `json:"bid"`
	Bidder  crypto.PublicKey `json:"bidder"`
	Amount  uint64           `json:"amount"`
	Salt    crypto.Hash      `json:"salt"`
}

func (e *BidRevealed) Key() string { return e.Bid.String() }

func (e *BidRevealed) validate() error {
	switch {
	case e.Auction.IsZero():
		return missing("auction")
	case e.Bid.IsZero():
		return missing("bid")
	case e.Bidder.IsZero():
		return missing("bidder")
	}
	return nil
}

type AuctionSettled struct {
	Meta          `json:"-"`
	Auction       crypto.PublicKey `json:"auction"`
	Winner        crypto.PublicKey `json:"winner"`
	WinningAmount uint64           `json:"winningAmount"`
	SecondPrice   uint64           `json:"secondPrice"`
}

func (e *AuctionSettled) Key() string { return e.Auction.String() }

func (e *AuctionSettled) validate() error {
	if e.Auction.IsZero() {
		return missing("auction")
	}
	if e.SecondPrice > e.WinningAmount {
		return fmt.Errorf("%w: secondPrice exceeds winningAmount", ErrSchema)
	}
	return nil
}

type RevealPhaseStarted struct {
	Meta    `json:"-"`
	Auction crypto.PublicKey `json:"auction"`
}

func (e *RevealPhaseStarted) Key() string { return e.Auction.String() }

func (e *RevealPhaseStarted) validate() error {
	if e.Auction.IsZero() {
		return missing("auction")
	}
	return nil
}

type AuctionCancelled struct {
	Meta    `json:"-"`
	Auction crypto.PublicKey `json:"auction"`
	Seller  crypto.PublicKey `json:"seller"`
}

func (e *AuctionCancelled) Key() string { return e.Auction.String() }

func (e *AuctionCancelled) validate() error {
	if e.Auction.IsZero() {
		return missing("auction")
	}
	return nil
}

type RefundClaimed struct {
	Meta    `json:"-"`
	Auction crypto.PublicKey `json:"auction"`
	Bid     crypto.PublicKey `json:"bid"`
	Bidder  crypto.PublicKey `json:"bidder"`
	Amount  uint64           `json:"amount"`
}

func (e *RefundClaimed) Key() string { return e.Bid.String() }

func (e *RefundClaimed) validate() error {
	switch {
	case e.Auction.IsZero():
		return missing("auction")
	case e.Bid.IsZero():
		return missing("bid")
	}
	return nil
}

type DeliveryConfirmed struct {
	Meta    `json:"-"`
	Auction crypto.PublicKey `json:"auction"`
	Buyer   crypto.PublicKey `json:"buyer"`
}

func (e *DeliveryConfirmed) Key() string { return e.Auction.String() }

func (e *DeliveryConfirmed) validate() error {
	if e.Auction.IsZero() {
		return missing("auction")
	}
	return nil
}

// Unknown is any event whose type is not recognized.
type Unknown struct {
	Meta
	Raw json.RawMessage
}

func (e *Unknown) Key() string { return string(e.Type) }

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrSchema, field)
}

type validator interface {
	Event
	validate() error
}

// Decode validates the envelope and decodes its accountData into the
// schema for its type. Unknown fields are rejected.
func Decode(env Envelope) (Event, error) {
	if env.Type == "" {
		return nil, missing("type")
	}
	if env.Signature == "" {
		return nil, missing("signature")
	}
	m := Meta{Type: env.Type, Signature: env.Signature, Slot: env.Slot, Timestamp: time.Unix(env.Timestamp, 0).UTC()}

	var ev validator
	switch env.Type {
	case TypeAuctionCreated:
		ev = &AuctionCreated{Meta: m}
	case TypeBidSubmitted:
		ev = &BidSubmitted{Meta: m}
	case TypeBidRevealed:
		ev = &BidRevealed{Meta: m}
	case TypeAuctionSettled:
		ev = &AuctionSettled{Meta: m}
	case TypeRevealPhaseStarted:
		ev = &RevealPhaseStarted{Meta: m}
	case TypeAuctionCancelled:
		ev = &AuctionCancelled{Meta: m}
	case TypeRefundClaimed:
		ev = &RefundClaimed{Meta: m}
	case TypeDeliveryConfirmed:
		ev = &DeliveryConfirmed{Meta: m}
	default:
		return &Unknown{Meta: m, Raw: env.AccountData}, nil
	}

	if len(env.AccountData) == 0 {
		return nil, missing("accountData")
	}
	dec := json.NewDecoder(bytes.NewReader(env.AccountData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, env.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Decoded is one batch entry: either an event or the reason it was rejected.
type Decoded struct {
	Index int
	Event Event
	Err   error
}

// DecodeBatch parses a JSON array of envelopes. A body that is not an
// array fails as a whole; individual entries that fail their schema are
// returned with Err set.
func DecodeBatch(body []byte) ([]Decoded, error) {
	var envs []Envelope
	if err := json.Unmarshal(body, &envs); err != nil {
		return nil, fmt.Errorf("%w: batch: %v", ErrSchema, err)
	}
	out := make([]Decoded, len(envs))
	for i, env := range envs {
		ev, err := Decode(env)
		out[i] = Decoded{Index: i, Event: ev, Err: err}
	}
	return out, nil
}

// Encode builds the envelope for ev. Used by tests and replay tooling.
func Encode(ev Event) (Envelope, error) {
	m := MetaOf(ev)
	env := Envelope{Type: m.Type, Signature: m.Signature, Slot: m.Slot, Timestamp: m.Timestamp.Unix()}
	if u, ok := ev.(*Unknown); ok {
		env.AccountData = u.Raw
		return env, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	env.AccountData = data
	return env, nil
}
