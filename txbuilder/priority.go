package txbuilder

import (
	"fmt"

	"github.com/flashbots/sealbid/crypto"
)

// PriorityTier selects the compute-unit price attached to a transaction.
type PriorityTier string

const (
	PriorityNone   PriorityTier = ""
	PriorityLow    PriorityTier = "low"
	PriorityMedium PriorityTier = "medium"
	PriorityHigh   PriorityTier = "high"
)

// Micro-lamports per compute unit for each tier.
const (
	LowPriorityFee    = 1_000
	MediumPriorityFee = 10_000
	HighPriorityFee   = 100_000

	DefaultComputeUnitLimit = 200_000
)

var ComputeBudgetProgramID = crypto.MustPublicKey("ComputeBudget111111111111111111111111111111")

const (
	computeUnitLimitDiscriminator = 2
	computeUnitPriceDiscriminator = 3
)

func ParsePriorityTier(s string) (PriorityTier, error) {
	switch t := PriorityTier(s); t {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh:
		return t, nil
	}
	return PriorityNone, fmt.Errorf("unknown priority tier %q", s)
}

func (t PriorityTier) microLamports() uint64 {
	switch t {
	case PriorityLow:
		return LowPriorityFee
	case PriorityMedium:
		return MediumPriorityFee
	case PriorityHigh:
		return HighPriorityFee
	}
	return 0
}

// priorityInstructions returns the compute-unit limit and price pair, or
// nil for PriorityNone.
func priorityInstructions(t PriorityTier) ([]Instruction, error) {
	if t == PriorityNone {
		return nil, nil
	}
	limit, err := NewLayout(computeUnitLimitDiscriminator).
		Uint("compute_unit_limit", 4, DefaultComputeUnitLimit).
		Bytes()
	if err != nil {
		return nil, err
	}
	price, err := NewLayout(computeUnitPriceDiscriminator).
		Uint("compute_unit_price", 8, t.microLamports()).
		Bytes()
	if err != nil {
		return nil, err
	}
	return []Instruction{
		{ProgramID: ComputeBudgetProgramID, Data: limit},
		{ProgramID: ComputeBudgetProgramID, Data: price},
	}, nil
}
