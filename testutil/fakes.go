package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/flashbots/sealbid/crypto"
	"github.com/flashbots/sealbid/ledger"
)

// TestBlockhash is a valid base58 blockhash.
const TestBlockhash = "EETubP5AKHgjPAhzPAFcb8BAY1hMH639CWCFTqi3hq1k"

// FakeRPC is a scriptable ledger.RPC.
type FakeRPC struct {
	Name string

	mu            sync.Mutex
	reference     ledger.Reference
	referenceErr  error
	healthErr     error
	accounts      map[crypto.PublicKey]ledger.AccountInfo
	confirmations map[string]ledger.Confirmation
	confirmErr    error
	calls         map[string]int
}

func NewFakeRPC(name string) *FakeRPC {
	return &FakeRPC{
		Name:          name,
		reference:     ledger.Reference{Blockhash: TestBlockhash, LastValidBlockHeight: 1_000},
		accounts:      make(map[crypto.PublicKey]ledger.AccountInfo),
		confirmations: make(map[string]ledger.Confirmation),
		calls:         make(map[string]int),
	}
}

func (f *FakeRPC) Endpoint() string { return f.Name }

// SetDown makes every call fail with err; nil restores the node.
func (f *FakeRPC) SetDown(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
	f.referenceErr = err
}

func (f *FakeRPC) SetReference(ref ledger.Reference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reference = ref
}

func (f *FakeRPC) SetAccount(addr crypto.PublicKey, info ledger.AccountInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = info
}

func (f *FakeRPC) SetConfirmation(sig string, c ledger.Confirmation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations[sig] = c
}

// SetConfirmError makes ConfirmTransaction fail for unknown signatures.
func (f *FakeRPC) SetConfirmError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErr = err
}

// Calls returns how often method was invoked.
func (f *FakeRPC) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeRPC) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Health"]++
	return f.healthErr
}

func (f *FakeRPC) GetLatestReference(ctx context.Context) (ledger.Reference, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Reference{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetLatestReference"]++
	if f.referenceErr != nil {
		return ledger.Reference{}, f.referenceErr
	}
	return f.reference, nil
}

func (f *FakeRPC) ConfirmTransaction(ctx context.Context, sig string, _ ledger.Reference) (ledger.Confirmation, error) {
	f.mu.Lock()
	f.calls["ConfirmTransaction"]++
	c, ok := f.confirmations[sig]
	confirmErr := f.confirmErr
	f.mu.Unlock()
	if ok {
		return c, nil
	}
	if confirmErr != nil {
		return ledger.Confirmation{}, confirmErr
	}
	// Unknown signatures never confirm.
	<-ctx.Done()
	return ledger.Confirmation{}, ctx.Err()
}

func (f *FakeRPC) GetAccountInfo(_ context.Context, addr crypto.PublicKey) (ledger.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetAccountInfo"]++
	if f.referenceErr != nil {
		return ledger.AccountInfo{}, f.referenceErr
	}
	info, ok := f.accounts[addr]
	if !ok {
		return ledger.AccountInfo{}, ledger.ErrAccountNotFound
	}
	return info, nil
}

// ErrVerifierDown is what FakeVerifier returns while Down is set.
var ErrVerifierDown = errors.New("verifier unreachable")

// VerifyRequest is one call seen by FakeVerifier.
type VerifyRequest struct {
	Proof        []byte
	PublicInputs []string
	Circuit      string
}

// FakeVerifier accepts every proof unless told otherwise.
type FakeVerifier struct {
	mu       sync.Mutex
	reject   bool
	down     bool
	requests []VerifyRequest
}

func (v *FakeVerifier) SetReject(reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reject = reject
}

func (v *FakeVerifier) SetDown(down bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.down = down
}

func (v *FakeVerifier) Requests() []VerifyRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VerifyRequest(nil), v.requests...)
}

func (v *FakeVerifier) Verify(_ context.Context, proof []byte, publicInputs []string, circuit string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, VerifyRequest{Proof: proof, PublicInputs: publicInputs, Circuit: circuit})
	if v.down {
		return false, ErrVerifierDown
	}
	return !v.reject, nil
}
