package escrow

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"nhbchain/core/types"
)

const (
	EventTypeDealCreated         = "escrow.deal.created"
	EventTypeDealPartialFunded   = "escrow.deal.partial_funded"
	EventTypeDealFunded          = "escrow.deal.funded"
	EventTypeDealResolved        = "escrow.deal.resolved"
	EventTypeCommissionWithdrawn = "escrow.commission.withdrawn"
	EventTypeQuarantineStored    = "escrow.quarantine.stored"
	EventTypeQuarantineRefunded  = "escrow.quarantine.refunded"
)

// NewDealCreatedEvent returns the canonical event payload for a newly created
// deal.
func NewDealCreatedEvent(d *Deal) *types.Event { return newDealEvent(EventTypeDealCreated, d) }

// NewDealPartialFundedEvent is emitted when a deposit leaves the deal short of
// its target.
func NewDealPartialFundedEvent(d *Deal, credited *uint256.Int) *types.Event {
	evt := newDealEvent(EventTypeDealPartialFunded, d)
	evt.Attributes["credited"] = formatAmount(credited)
	return evt
}

// NewDealFundedEvent is emitted when a deposit completes the deal target.
func NewDealFundedEvent(d *Deal, credited *uint256.Int) *types.Event {
	evt := newDealEvent(EventTypeDealFunded, d)
	evt.Attributes["credited"] = formatAmount(credited)
	return evt
}

// NewDealResolvedEvent records the payout issued for a resolved deal.
func NewDealResolvedEvent(d *Deal, payout types.Transfer) *types.Event {
	evt := newDealEvent(EventTypeDealResolved, d)
	evt.Attributes["recipient"] = payout.To.String()
	evt.Attributes["payout"] = formatAmount(payout.Amount)
	evt.Attributes["outcome"] = string(payout.Reason)
	return evt
}

// NewCommissionWithdrawnEvent records a pool withdrawal and the reserve left
// behind.
func NewCommissionWithdrawnEvent(t types.Transfer, reserve *uint256.Int) *types.Event {
	return &types.Event{Type: EventTypeCommissionWithdrawn, Attributes: map[string]string{
		"moderator": t.To.String(),
		"amount":    formatAmount(t.Amount),
		"reserve":   formatAmount(reserve),
	}}
}

// NewQuarantineStoredEvent records a deposit parked in the unknown-funds table.
func NewQuarantineStoredEvent(key uint32, rec *Record, skimmed bool) *types.Event {
	evt := newRecordEvent(EventTypeQuarantineStored, key, rec)
	evt.Attributes["skimmed"] = strconv.FormatBool(skimmed)
	return evt
}

// NewQuarantineRefundedEvent records a quarantined deposit returned to its
// depositor.
func NewQuarantineRefundedEvent(key uint32, rec *Record) *types.Event {
	return newRecordEvent(EventTypeQuarantineRefunded, key, rec)
}

func newDealEvent(eventType string, d *Deal) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(uint64(d.ID), 10)
	attrs["seller"] = d.Seller.String()
	attrs["buyer"] = d.Buyer.String()
	attrs["amount"] = formatAmount(d.TargetAmount)
	attrs["fundedAmount"] = formatAmount(d.FundedAmount)
	attrs["funded"] = strconv.FormatBool(d.Funded)
	attrs["memoHash"] = hex.EncodeToString(d.MemoHash[:])
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newRecordEvent(eventType string, key uint32, rec *Record) *types.Event {
	attrs := map[string]string{"key": strconv.FormatUint(uint64(key), 10)}
	if rec != nil {
		attrs["depositor"] = rec.Depositor.String()
		attrs["amount"] = formatAmount(rec.Amount)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
