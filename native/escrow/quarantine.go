package escrow

import (
	"github.com/holiman/uint256"

	"nhbchain/core/types"
)

// Quarantine stores a deposit that cannot be matched to an open deal. When
// skim is set the configured percentage goes to the commission pool first
// and only the net amount is refundable. The capacity check runs before any
// write so a full table rejects the deposit outright.
func (e *Engine) Quarantine(depositor types.Address, amount *uint256.Int, skim bool) (uint32, *uint256.Int, error) {
	if err := e.ready(); err != nil {
		return 0, nil, err
	}
	if err := checkAmount(amount); err != nil {
		return 0, nil, err
	}
	return e.quarantine(depositor, amount, skim)
}

func (e *Engine) quarantine(depositor types.Address, amount *uint256.Int, skim bool) (uint32, *uint256.Int, error) {
	if e.state.UnknownLive() >= e.policy.MaxUnknownRecords {
		return 0, nil, ErrQuarantineFull
	}
	net := cloneAmount(amount)
	if skim {
		fee := e.policy.Skim(amount)
		net.Sub(net, fee)
		if err := e.creditPool(fee); err != nil {
			return 0, nil, err
		}
	}
	if net.IsZero() {
		return 0, nil, ErrInvalidAmount
	}
	key, err := e.state.AllocUnknownKey()
	if err != nil {
		return 0, nil, err
	}
	rec := &Record{Depositor: depositor, Amount: net}
	if err := e.state.UnknownPut(key, rec); err != nil {
		return 0, nil, err
	}
	e.emit(NewQuarantineStoredEvent(key, rec, skim))
	return key, cloneAmount(net), nil
}

// Refund returns a quarantined deposit to its depositor, zeroes the record and
// hands the key back to the free-list. A second refund of the same key fails
// with ErrNoSuchRecord.
func (e *Engine) Refund(caller types.Address, key uint32) (*types.Transfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireModerator(caller); err != nil {
		return nil, err
	}
	rec, ok := e.state.UnknownGet(key)
	if !ok || rec.Amount == nil || rec.Amount.IsZero() {
		return nil, ErrNoSuchRecord
	}
	if err := e.state.UnknownRelease(key); err != nil {
		return nil, err
	}
	transfer := types.Transfer{To: rec.Depositor, Amount: cloneAmount(rec.Amount), Reason: types.ReasonUnknownRefund}
	e.emit(NewQuarantineRefundedEvent(key, rec))
	return &transfer, nil
}

// DepositResult describes how a bare value transfer was absorbed.
type DepositResult struct {
	// Fund is set when the memo referenced an open deal that still needed
	// funding.
	Fund *FundResult
	// Key and Net are set when the deposit was quarantined.
	Quarantined bool
	Key         uint32
	Net         *uint256.Int
}

// Deposit absorbs a value transfer that carried no recognised op-code. A memo
// that resolves to a deal still awaiting funds is treated as FundDeal;
// everything else is quarantined after the skim.
func (e *Engine) Deposit(depositor types.Address, memo string, amount *uint256.Int) (*DepositResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if memo != "" {
		if deal, err := e.lookupMemo(memo); err == nil && !deal.Funded {
			fund, err := e.FundDeal(depositor, memo, amount)
			if err != nil {
				return nil, err
			}
			return &DepositResult{Fund: fund}, nil
		}
	}
	if floor := e.policy.MinStrayDeposit; floor != nil && !floor.IsZero() && amount.Cmp(floor) < 0 {
		return nil, ErrDepositTooSmall
	}
	key, net, err := e.quarantine(depositor, amount, true)
	if err != nil {
		return nil, err
	}
	return &DepositResult{Quarantined: true, Key: key, Net: net}, nil
}
