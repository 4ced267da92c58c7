package escrow

import (
	"github.com/holiman/uint256"

	"nhbchain/core/types"
)

func (e *Engine) creditPool(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	next, overflow := new(uint256.Int).AddOverflow(e.state.Pool(), amount)
	if overflow || next.Cmp(maxAmount) > 0 {
		return ErrAmountOverflow
	}
	return e.state.SetPool(next)
}

// Withdraw pays everything above the reserve to the moderator. The reserve
// itself is never withdrawn.
func (e *Engine) Withdraw(caller types.Address) (*types.Transfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireModerator(caller); err != nil {
		return nil, err
	}
	pool := e.state.Pool()
	reserve := cloneAmount(e.policy.Reserve)
	if pool.Cmp(reserve) <= 0 {
		return nil, ErrPoolEmpty
	}
	amount := new(uint256.Int).Sub(pool, reserve)
	if err := e.state.SetPool(reserve); err != nil {
		return nil, err
	}
	transfer := types.Transfer{To: caller, Amount: amount, Reason: types.ReasonCommissionDraw}
	e.emit(NewCommissionWithdrawnEvent(transfer, reserve))
	return &transfer, nil
}
