// Package ledger provides access to the ledger RPC: a JSON-RPC client and
// an EndpointPool that fails over between a primary and a fallback node.
package ledger

import (
	"context"
	"errors"

	"github.com/flashbots/sealbid/crypto"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrBlockhashExpired  = errors.New("blockhash expired before confirmation")
	ErrTransactionFailed = errors.New("transaction failed on ledger")
)

// Reference anchors a transaction to recent ledger state.
type Reference struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Confirmation is the observed status of a submitted transaction.
type Confirmation struct {
	Signature          string
	Slot               uint64
	ConfirmationStatus string
}

// AccountInfo is the subset of account state the mirror inspects.
type AccountInfo struct {
	Owner      crypto.PublicKey
	Lamports   uint64
	Executable bool
	Data       []byte
}

// RPC is the ledger capability consumed by the service.
type RPC interface {
	// Endpoint identifies the node for logs and metrics.
	Endpoint() string
	GetLatestReference(ctx context.Context) (Reference, error)
	// ConfirmTransaction blocks until the signature reaches confirmed
	// commitment, fails, or the reference expires.
	ConfirmTransaction(ctx context.Context, signature string, ref Reference) (Confirmation, error)
	GetAccountInfo(ctx context.Context, address crypto.PublicKey) (AccountInfo, error)
	Health(ctx context.Context) error
}
