package escrow

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"nhbchain/core/types"
)

// MaxMemoLength bounds the memo accepted at deal creation.
const MaxMemoLength = 512

// StrayOpBudget is the most state accesses a stray deposit may perform.
const StrayOpBudget = 8

// maxAmount is the largest representable coin value (2^128-1).
var maxAmount = new(uint256.Int).SetAllOne().Rsh(new(uint256.Int).SetAllOne(), 128)

// MaxAmount returns a copy of the largest amount the ledger accepts.
func MaxAmount() *uint256.Int { return new(uint256.Int).Set(maxAmount) }

// Deal captures a single escrow agreement. Deals are never removed from the
// ledger; Resolved marks the terminal state.
type Deal struct {
	ID           uint32
	Seller       types.Address
	Buyer        types.Address
	TargetAmount *uint256.Int
	FundedAmount *uint256.Int
	Funded       bool
	Resolved     bool
	MemoHash     [32]byte
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.TargetAmount = cloneAmount(d.TargetAmount)
	clone.FundedAmount = cloneAmount(d.FundedAmount)
	return &clone
}

// Remaining returns the amount still required to fully fund the deal.
func (d *Deal) Remaining() *uint256.Int {
	if d == nil {
		return uint256.NewInt(0)
	}
	target := cloneAmount(d.TargetAmount)
	funded := cloneAmount(d.FundedAmount)
	if funded.Cmp(target) >= 0 {
		return uint256.NewInt(0)
	}
	return target.Sub(target, funded)
}

// Open reports whether the deal still occupies its memo.
func (d *Deal) Open() bool { return d != nil && !d.Resolved }

// SanitizeDeal validates the funding invariants and returns a normalised
// clone. The original is never mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	if clone.TargetAmount.IsZero() {
		return nil, fmt.Errorf("deal %d: target amount must be positive", clone.ID)
	}
	if clone.TargetAmount.Cmp(maxAmount) > 0 {
		return nil, fmt.Errorf("deal %d: target amount exceeds 128 bits", clone.ID)
	}
	if clone.FundedAmount.Cmp(clone.TargetAmount) > 0 {
		return nil, fmt.Errorf("deal %d: funded amount %s exceeds target %s", clone.ID, clone.FundedAmount.Dec(), clone.TargetAmount.Dec())
	}
	if clone.Funded != clone.FundedAmount.Eq(clone.TargetAmount) {
		return nil, fmt.Errorf("deal %d: funded flag inconsistent with amounts", clone.ID)
	}
	if clone.Resolved && !clone.Funded {
		return nil, fmt.Errorf("deal %d: resolved before fully funded", clone.ID)
	}
	return clone, nil
}

// Record is a quarantined deposit awaiting refund.
type Record struct {
	Depositor types.Address
	Amount    *uint256.Int
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Depositor: r.Depositor, Amount: cloneAmount(r.Amount)}
}

// MemoHash derives the registry key for a memo.
func MemoHash(memo string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(memo))
}

// CheckMemo enforces the memo bounds. Memos are hashed byte for byte, so
// whitespace is significant.
func CheckMemo(memo string) error {
	if memo == "" {
		return ErrInvalidMemo
	}
	if len(memo) > MaxMemoLength {
		return fmt.Errorf("%w: memo exceeds %d bytes", ErrInvalidMemo, MaxMemoLength)
	}
	return nil
}

// StateInfo is the diagnostic summary of the whole ledger.
type StateInfo struct {
	DealCounter     uint32        `json:"dealCounter"`
	CommissionsPool *uint256.Int  `json:"commissionsPool"`
	Moderator       types.Address `json:"moderator"`
	NextUnknownKey  uint32        `json:"nextUfKey"`
	UnknownLive     uint32        `json:"ufLiveCount"`
	UnknownFree     uint32        `json:"ufFreeCount"`
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}
