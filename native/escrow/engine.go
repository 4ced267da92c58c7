package escrow

import (
	"github.com/holiman/uint256"

	"nhbchain/core/events"
	"nhbchain/core/types"
)

type engineState interface {
	Moderator() types.Address
	AllocDealID() (uint32, error)
	DealGet(id uint32) (*Deal, bool)
	DealPut(*Deal) error
	MemoLookup(hash [32]byte) (uint32, bool)
	MemoPut(hash [32]byte, id uint32)
	Pool() *uint256.Int
	SetPool(*uint256.Int) error
	UnknownLive() uint32
	AllocUnknownKey() (uint32, error)
	UnknownGet(key uint32) (*Record, bool)
	UnknownPut(key uint32, rec *Record) error
	UnknownRelease(key uint32) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine applies escrow operations to a staged ledger transaction. It holds no
// state of its own beyond the fee policy; callers bind a fresh Tx for every
// message and decide whether to commit it.
type Engine struct {
	state   engineState
	emitter events.Emitter
	policy  FeePolicy
}

// NewEngine creates an engine with the given fee policy and a no-op emitter.
func NewEngine(policy FeePolicy) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  policy.Clone(),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Policy returns a copy of the configured fee policy.
func (e *Engine) Policy() FeePolicy { return e.policy.Clone() }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) requireModerator(caller types.Address) error {
	if caller != e.state.Moderator() {
		return ErrUnauthorized
	}
	return nil
}

func checkAmount(v *uint256.Int) error {
	if v == nil || v.IsZero() {
		return ErrInvalidAmount
	}
	if v.Cmp(maxAmount) > 0 {
		return ErrAmountOverflow
	}
	return nil
}

func (e *Engine) lookupMemo(memo string) (*Deal, error) {
	if err := CheckMemo(memo); err != nil {
		return nil, ErrNoSuchDeal
	}
	id, ok := e.state.MemoLookup(MemoHash(memo))
	if !ok {
		return nil, ErrNoSuchDeal
	}
	deal, ok := e.state.DealGet(id)
	if !ok {
		return nil, ErrNoSuchDeal
	}
	return deal, nil
}

// CreateDeal opens a zero-funded deal indexed by memo and charges the
// creation fee into the commission pool.
func (e *Engine) CreateDeal(caller, seller, buyer types.Address, target *uint256.Int, memo string) (*Deal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireModerator(caller); err != nil {
		return nil, err
	}
	if err := checkAmount(target); err != nil {
		return nil, err
	}
	if err := CheckMemo(memo); err != nil {
		return nil, err
	}
	hash := MemoHash(memo)
	if id, ok := e.state.MemoLookup(hash); ok {
		if existing, found := e.state.DealGet(id); found && existing.Open() {
			return nil, ErrMemoInUse
		}
	}
	if err := e.creditPool(e.policy.CreateFee); err != nil {
		return nil, err
	}
	id, err := e.state.AllocDealID()
	if err != nil {
		return nil, err
	}
	deal := &Deal{
		ID:           id,
		Seller:       seller,
		Buyer:        buyer,
		TargetAmount: cloneAmount(target),
		FundedAmount: uint256.NewInt(0),
		MemoHash:     hash,
	}
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	e.state.MemoPut(hash, id)
	e.emit(NewDealCreatedEvent(deal))
	return deal.Clone(), nil
}

// FundResult describes how a deposit was applied to a deal.
type FundResult struct {
	Deal     *Deal
	Credited *uint256.Int
	Excess   *uint256.Int
	// ExcessKey is the quarantine key holding the over-payment. Only set when
	// Excess is non-zero.
	ExcessKey uint32
}

// FundDeal credits a deposit to the deal indexed by memo. Funding is
// incremental; anything beyond the remaining target is quarantined gross
// under a fresh key attributed to the depositor.
func (e *Engine) FundDeal(depositor types.Address, memo string, deposit *uint256.Int) (*FundResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	deal, err := e.lookupMemo(memo)
	if err != nil {
		return nil, err
	}
	if deal.Funded {
		return nil, ErrAlreadyFunded
	}
	if err := checkAmount(deposit); err != nil {
		return nil, err
	}
	remaining := deal.Remaining()
	credit := cloneAmount(deposit)
	excess := uint256.NewInt(0)
	if credit.Cmp(remaining) > 0 {
		excess.Sub(credit, remaining)
		credit.Set(remaining)
	}
	deal.FundedAmount.Add(deal.FundedAmount, credit)
	deal.Funded = deal.FundedAmount.Eq(deal.TargetAmount)
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	result := &FundResult{Deal: deal.Clone(), Credited: credit, Excess: excess}
	if !excess.IsZero() {
		key, _, err := e.quarantine(depositor, excess, false)
		if err != nil {
			return nil, err
		}
		result.ExcessKey = key
	}
	if deal.Funded {
		e.emit(NewDealFundedEvent(deal, credit))
	} else {
		e.emit(NewDealPartialFundedEvent(deal, credit))
	}
	return result, nil
}

// ResolveDeal pays a fully funded deal out. The seller receives the target
// minus the skim, which goes to the pool; the buyer is refunded the funded
// amount gross. A resolved deal stays readable but cannot be resolved again.
func (e *Engine) ResolveDeal(caller types.Address, memo string, paySeller bool) (*types.Transfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireModerator(caller); err != nil {
		return nil, err
	}
	deal, err := e.lookupMemo(memo)
	if err != nil {
		return nil, err
	}
	if deal.Resolved {
		return nil, ErrDealResolved
	}
	if !deal.Funded {
		return nil, ErrNotFullyFunded
	}
	var transfer types.Transfer
	if paySeller {
		skim := e.policy.Skim(deal.TargetAmount)
		if err := e.creditPool(skim); err != nil {
			return nil, err
		}
		payout := new(uint256.Int).Sub(deal.TargetAmount, skim)
		transfer = types.Transfer{To: deal.Seller, Amount: payout, Reason: types.ReasonSellerPayout}
	} else {
		transfer = types.Transfer{To: deal.Buyer, Amount: cloneAmount(deal.FundedAmount), Reason: types.ReasonBuyerRefund}
	}
	deal.Resolved = true
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	e.emit(NewDealResolvedEvent(deal, transfer))
	return &transfer, nil
}
