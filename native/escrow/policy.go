package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// FeePolicy is the configurable fee schedule applied by the engine.
type FeePolicy struct {
	// CreateFee is credited to the commission pool whenever a deal is opened.
	CreateFee *uint256.Int
	// SkimBps is taken from seller payouts and from stray deposits.
	SkimBps uint32
	// Reserve is the pool balance that withdrawals never touch.
	Reserve *uint256.Int
	// MaxUnknownRecords caps the number of live quarantine records.
	MaxUnknownRecords uint32
	// MinStrayDeposit rejects smaller stray deposits. Zero disables the check.
	MinStrayDeposit *uint256.Int
}

// DefaultFeePolicy mirrors the deployed contract: 0.003 creation fee, 3% skim,
// 0.5 reserve, 0.1 stray-deposit floor (9 decimal places) and 10 000
// quarantine records.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		CreateFee:         uint256.NewInt(3_000_000),
		SkimBps:           300,
		Reserve:           uint256.NewInt(500_000_000),
		MaxUnknownRecords: 10_000,
		MinStrayDeposit:   uint256.NewInt(100_000_000),
	}
}

// Clone returns a deep copy of the policy.
func (p FeePolicy) Clone() FeePolicy {
	return FeePolicy{
		CreateFee:         cloneAmount(p.CreateFee),
		SkimBps:           p.SkimBps,
		Reserve:           cloneAmount(p.Reserve),
		MaxUnknownRecords: p.MaxUnknownRecords,
		MinStrayDeposit:   cloneAmount(p.MinStrayDeposit),
	}
}

// Validate checks the policy bounds.
func (p FeePolicy) Validate() error {
	if p.SkimBps > bpsDenominator {
		return fmt.Errorf("fee policy: skim bps out of range: %d", p.SkimBps)
	}
	if p.MaxUnknownRecords == 0 {
		return fmt.Errorf("fee policy: max unknown records must be positive")
	}
	for name, v := range map[string]*uint256.Int{"create fee": p.CreateFee, "reserve": p.Reserve, "min stray deposit": p.MinStrayDeposit} {
		if v != nil && v.Cmp(maxAmount) > 0 {
			return fmt.Errorf("fee policy: %s exceeds 128 bits", name)
		}
	}
	return nil
}

// Skim returns the commission taken from amount, rounded down.
func (p FeePolicy) Skim(amount *uint256.Int) *uint256.Int {
	if amount == nil || amount.IsZero() || p.SkimBps == 0 {
		return uint256.NewInt(0)
	}
	fee := new(uint256.Int).Mul(amount, uint256.NewInt(uint64(p.SkimBps)))
	return fee.Div(fee, uint256.NewInt(bpsDenominator))
}
