package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/sealbid/crypto"
)

func key(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return pk
}

func TestDecode_BidRevealed(t *testing.T) {
	auction, bid, bidder := key(t), key(t), key(t)
	salt := crypto.Hash{1, 2, 3}
	data, err := json.Marshal(map[string]any{
		"auction": auction.String(),
		"bid":     bid.String(),
		"bidder":  bidder.String(),
		"amount":  uint64(18_000_000_000_000_000_000),
		"salt":    salt.String(),
	})
	require.NoError(t, err)

	ev, err := Decode(Envelope{Type: TypeBidRevealed, Signature: "sig", Slot: 42, Timestamp: 1_700_000_000, AccountData: data})
	require.NoError(t, err)
	revealed, ok := ev.(*BidRevealed)
	require.True(t, ok)
	require.Equal(t, uint64(18_000_000_000_000_000_000), revealed.Amount)
	require.Equal(t, salt, revealed.Salt)
	require.Equal(t, bid.String(), revealed.Key())
	require.Equal(t, uint64(42), MetaOf(ev).Slot)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), MetaOf(ev).Timestamp)
}

func TestDecode_SchemaViolations(t *testing.T) {
	auction := key(t)
	cases := map[string]Envelope{
		"missing type":      {Signature: "s", AccountData: json.RawMessage(`{}`)},
		"missing signature": {Type: TypeRevealPhaseStarted, AccountData: json.RawMessage(`{}`)},
		"missing data":      {Type: TypeRevealPhaseStarted, Signature: "s"},
		"unknown field":     {Type: TypeRevealPhaseStarted, Signature: "s", AccountData: json.RawMessage(`{"auction":"` + auction.String() + `","extra":1}`)},
		"bad key":           {Type: TypeRevealPhaseStarted, Signature: "s", AccountData: json.RawMessage(`{"auction":"not-base58-0OIl"}`)},
		"zero auction":      {Type: TypeRevealPhaseStarted, Signature: "s", AccountData: json.RawMessage(`{}`)},
		"wrong type":        {Type: TypeBidRevealed, Signature: "s", AccountData: json.RawMessage(`{"amount":"five"}`)},
		"negative amount":   {Type: TypeRefundClaimed, Signature: "s", AccountData: json.RawMessage(`{"amount":-1}`)},
		"price inverted":    {Type: TypeAuctionSettled, Signature: "s", AccountData: json.RawMessage(`{"auction":"` + auction.String() + `","winningAmount":1,"secondPrice":2}`)},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(env)
			require.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	ev, err := Decode(Envelope{Type: "profile-updated", Signature: "s", AccountData: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	u, ok := ev.(*Unknown)
	require.True(t, ok)
	require.Equal(t, Type("profile-updated"), u.Type)
}

func TestDecodeBatch(t *testing.T) {
	auction := key(t)
	good, err := Encode(&RevealPhaseStarted{Meta: Meta{Type: TypeRevealPhaseStarted, Signature: "a", Slot: 3}, Auction: auction})
	require.NoError(t, err)
	body, err := json.Marshal([]any{good, map[string]any{"type": "bid-submitted", "signature": "b", "accountData": map[string]any{}}})
	require.NoError(t, err)

	entries, err := DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NoError(t, entries[0].Err)
	require.Equal(t, auction, entries[0].Event.(*RevealPhaseStarted).Auction)
	require.ErrorIs(t, entries[1].Err, ErrSchema)

	_, err = DecodeBatch([]byte(`{"type":"auction-created"}`))
	require.ErrorIs(t, err, ErrSchema)
}

func TestEncode_RoundTripAuctionCreated(t *testing.T) {
	in := &AuctionCreated{
		Meta:            Meta{Type: TypeAuctionCreated, Signature: "sig", Slot: 9, Timestamp: time.Unix(100, 0).UTC()},
		Auction:         key(t),
		Seller:          key(t),
		ProductType:     "nft",
		Category:        "art",
		StartTime:       100,
		EndTime:         3700,
		RevealDuration:  86400,
		PaymentMint:     key(t),
		BidCollateral:   1_000_000,
		MetadataPointer: "sha256-00",
	}
	env, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(env)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
