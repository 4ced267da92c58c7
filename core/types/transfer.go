package types

import "github.com/holiman/uint256"

// TransferReason labels why the ledger is paying value out.
type TransferReason string

const (
	ReasonSellerPayout   TransferReason = "seller_payout"
	ReasonBuyerRefund    TransferReason = "buyer_refund"
	ReasonUnknownRefund  TransferReason = "unknown_refund"
	ReasonCommissionDraw TransferReason = "commission_withdrawal"
	ReasonBounce         TransferReason = "bounce"
)

// Transfer is an outbound value transfer issued by the ledger. The host
// delivers it only if the message that produced it commits.
type Transfer struct {
	To     Address        `json:"to"`
	Amount *uint256.Int   `json:"amount"`
	Reason TransferReason `json:"reason"`
}

// Clone returns a deep copy of the transfer.
func (t Transfer) Clone() Transfer {
	out := t
	if t.Amount != nil {
		out.Amount = new(uint256.Int).Set(t.Amount)
	}
	return out
}
