package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"nhbchain/core/events"
	"nhbchain/core/types"
	"nhbchain/native/escrow"
	"nhbchain/observability"
)

// Phase is the dispatcher's position in the message lifecycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDecoding
	PhaseValidating
	PhaseApplying
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDecoding:
		return "decoding"
	case PhaseValidating:
		return "validating"
	case PhaseApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// Committer persists the writes staged by one message. It must apply all of
// them or none.
type Committer interface {
	Commit(moderator types.Address, changes *escrow.Changes) error
}

// Receipt reports the outcome of one inbound message. Transfers and events
// are only populated for committed messages, except for the bounce transfer
// returned with a rejection.
type Receipt struct {
	ID        string           `json:"id"`
	Op        string           `json:"op"`
	QueryID   uint64           `json:"queryId"`
	Code      uint32           `json:"code"`
	Error     string           `json:"error,omitempty"`
	Transfers []types.Transfer `json:"transfers,omitempty"`
	Events    []*types.Event   `json:"events,omitempty"`
	DealID    *uint32          `json:"dealId,omitempty"`
	Key       *uint32          `json:"key,omitempty"`
	Ops       int              `json:"ops"`
}

// Committed reports whether the message changed the ledger.
func (r *Receipt) Committed() bool { return r != nil && r.Code == escrow.CodeOK }

// Dispatcher decodes inbound messages and applies them to the ledger one at a
// time. A message either commits every write it staged or none of them.
type Dispatcher struct {
	mu       sync.Mutex
	ledger   *escrow.Ledger
	engine   *escrow.Engine
	recorder *events.Recorder
	store    Committer
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *observability.EscrowMetrics
	phase    atomic.Int32
	now      func() time.Time
}

// Option configures optional dispatcher collaborators.
type Option func(*Dispatcher)

// WithStore persists every committed message through store.
func WithStore(store Committer) Option { return func(d *Dispatcher) { d.store = store } }

// WithEmitter forwards committed events to emitter.
func WithEmitter(emitter events.Emitter) Option { return func(d *Dispatcher) { d.emitter = emitter } }

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option { return func(d *Dispatcher) { d.logger = logger } }

// WithMetrics records message outcomes and ledger gauges.
func WithMetrics(metrics *observability.EscrowMetrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// NewDispatcher wires a dispatcher around ledger using the provided fee
// policy.
func NewDispatcher(ledger *escrow.Ledger, policy escrow.FeePolicy, opts ...Option) (*Dispatcher, error) {
	if ledger == nil {
		return nil, fmt.Errorf("dispatcher: ledger required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		ledger:   ledger,
		engine:   escrow.NewEngine(policy),
		recorder: &events.Recorder{},
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.emitter == nil {
		d.emitter = events.NoopEmitter{}
	}
	d.engine.SetEmitter(d.recorder)
	d.publishGauges()
	return d, nil
}

// Ledger exposes the ledger for read-only queries.
func (d *Dispatcher) Ledger() *escrow.Ledger { return d.ledger }

// Policy returns the fee policy in force.
func (d *Dispatcher) Policy() escrow.FeePolicy { return d.engine.Policy() }

// Phase reports the current lifecycle phase.
func (d *Dispatcher) Phase() Phase { return Phase(d.phase.Load()) }

func (d *Dispatcher) setPhase(p Phase) { d.phase.Store(int32(p)) }

// Dispatch applies one inbound message. Rejections are reported through the
// receipt, never through the error return; an error means the receipt could
// not be produced at all.
func (d *Dispatcher) Dispatch(in Inbound) (*Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.setPhase(PhaseIdle)

	start := d.now()
	receipt := &Receipt{ID: uuid.NewString(), Op: OpStray.String()}
	value := in.Value
	if value == nil {
		value = uint256.NewInt(0)
	}

	d.setPhase(PhaseDecoding)
	if op, queryID, ok := peekHeader(in.Body); ok {
		receipt.Op = op.String()
		receipt.QueryID = queryID
	}
	msg, err := DecodeMessage(in.Body)
	if err != nil {
		return d.reject(receipt, in.Sender, value, err, start), nil
	}
	receipt.Op = msg.Op.String()
	receipt.QueryID = msg.QueryID

	d.setPhase(PhaseValidating)
	if msg.Stray() && value.IsZero() {
		// Nothing to park; accepted without touching state.
		d.finish(receipt, start)
		return receipt, nil
	}
	if value.Cmp(escrow.MaxAmount()) > 0 {
		return d.reject(receipt, in.Sender, value, escrow.ErrAmountOverflow, start), nil
	}

	d.setPhase(PhaseApplying)
	tx := d.ledger.Begin()
	d.engine.SetState(tx)
	defer d.engine.SetState(nil)
	transfers, err := d.apply(msg, in.Sender, value, receipt)
	receipt.Ops = tx.Ops()
	if err == nil && msg.Stray() && receipt.Ops > escrow.StrayOpBudget {
		err = fmt.Errorf("%w: %d > %d", ErrStrayBudgetExceeded, receipt.Ops, escrow.StrayOpBudget)
	}
	if err == nil && d.store != nil {
		if err = d.store.Commit(d.ledger.Moderator(), tx.Changes()); err != nil {
			err = fmt.Errorf("persist message: %w", err)
		}
	}
	if err != nil {
		tx.Discard()
		d.recorder.Reset()
		return d.reject(receipt, in.Sender, value, err, start), nil
	}
	if err := tx.Commit(); err != nil {
		d.recorder.Reset()
		return nil, err
	}
	receipt.Transfers = transfers
	for _, evt := range d.recorder.Flush(d.emitter) {
		if typed, ok := evt.(events.Typed); ok {
			receipt.Events = append(receipt.Events, typed.Event().Clone())
		}
		observability.Events().RecordEvent(evt.EventType())
	}
	d.publishGauges()
	d.finish(receipt, start)
	return receipt, nil
}

func (d *Dispatcher) apply(msg *Message, sender types.Address, value *uint256.Int, receipt *Receipt) ([]types.Transfer, error) {
	switch msg.Op {
	case OpCreateDeal:
		p := msg.Create
		deal, err := d.engine.CreateDeal(sender, p.Seller, p.Buyer, p.Amount, p.Memo)
		if err != nil {
			return nil, err
		}
		receipt.DealID = &deal.ID
		return refundValue(sender, value), nil
	case OpResolveDeal:
		transfer, err := d.engine.ResolveDeal(sender, msg.Resolve.Memo, msg.Resolve.PaySeller)
		if err != nil {
			return nil, err
		}
		return append([]types.Transfer{*transfer}, refundValue(sender, value)...), nil
	case OpRefundUnknown:
		transfer, err := d.engine.Refund(sender, msg.Refund.Key)
		if err != nil {
			return nil, err
		}
		return append([]types.Transfer{*transfer}, refundValue(sender, value)...), nil
	case OpWithdraw:
		transfer, err := d.engine.Withdraw(sender)
		if err != nil {
			return nil, err
		}
		return append([]types.Transfer{*transfer}, refundValue(sender, value)...), nil
	case OpFundDeal:
		res, err := d.engine.FundDeal(sender, msg.Fund.Memo, value)
		if err != nil {
			return nil, err
		}
		receipt.DealID = &res.Deal.ID
		if !res.Excess.IsZero() {
			receipt.Key = &res.ExcessKey
		}
		return nil, nil
	default:
		res, err := d.engine.Deposit(sender, msg.Memo, value)
		if err != nil {
			return nil, err
		}
		if res.Fund != nil {
			receipt.DealID = &res.Fund.Deal.ID
			if !res.Fund.Excess.IsZero() {
				receipt.Key = &res.Fund.ExcessKey
			}
		}
		if res.Quarantined {
			receipt.Key = &res.Key
		}
		return nil, nil
	}
}

// refundValue returns value attached to an administrative message to its
// sender so the ledger only holds deal funds, quarantined deposits and the
// pool.
func refundValue(sender types.Address, value *uint256.Int) []types.Transfer {
	if value == nil || value.IsZero() {
		return nil
	}
	return []types.Transfer{{To: sender, Amount: new(uint256.Int).Set(value), Reason: types.ReasonBounce}}
}

func (d *Dispatcher) reject(receipt *Receipt, sender types.Address, value *uint256.Int, err error, start time.Time) *Receipt {
	receipt.Code = escrow.Code(err)
	receipt.Error = err.Error()
	receipt.Transfers = refundValue(sender, value)
	receipt.Events = nil
	receipt.DealID = nil
	receipt.Key = nil
	d.finish(receipt, start)
	return receipt
}

func (d *Dispatcher) finish(receipt *Receipt, start time.Time) {
	elapsed := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.ObserveMessage(receipt.Op, receipt.Code, elapsed)
	}
	attrs := []any{
		slog.String("receipt", receipt.ID),
		slog.String("op", receipt.Op),
		slog.Uint64("query_id", receipt.QueryID),
		slog.Uint64("code", uint64(receipt.Code)),
		slog.Int("ops", receipt.Ops),
	}
	switch {
	case receipt.Code == escrow.CodeOK:
		d.logger.Info("message committed", attrs...)
	case receipt.Code == escrow.CodeInternal:
		d.logger.Error("message failed", append(attrs, slog.String("error", receipt.Error))...)
	default:
		d.logger.Warn("message rejected", append(attrs, slog.String("reason", receipt.Error))...)
	}
}

func (d *Dispatcher) publishGauges() {
	if d.metrics == nil {
		return
	}
	info := d.ledger.Info()
	d.metrics.SetLedger(info.CommissionsPool.ToBig(), info.DealCounter, info.UnknownLive, info.UnknownFree)
}

// ErrStrayBudgetExceeded aborts a stray deposit that touched more state than
// escrow.StrayOpBudget allows.
var ErrStrayBudgetExceeded = errors.New("dispatcher: stray deposit exceeded op budget")

func peekHeader(body []byte) (Op, uint64, bool) {
	if len(body) < headerLength {
		return OpStray, 0, false
	}
	return Op(binary.BigEndian.Uint32(body[:4])), binary.BigEndian.Uint64(body[4:headerLength]), true
}
