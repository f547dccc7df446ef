/*
Package testutil provides fixtures and fakes for testing the auction mirror.

# Fixtures

Auctions and bids are built with the option pattern:

	now := time.Now().UTC()
	a := testutil.NewTestAuction(now,
	    testutil.WithStatus(auction.StatusActive),
	    testutil.WithCollateral(auction.MinBidCollateral),
	)

	// A confirmed bid and the salt needed to reveal it later.
	bid, salt := testutil.NewTestBid(a, "bidder-key", 5_000_000)

# Fakes

FakeRPC implements ledger.RPC with scripted blockhashes, accounts and
confirmations. FakeVerifier implements proof.Verifier and records every
request it sees.

This package is intended for tests only.
*/
package testutil
