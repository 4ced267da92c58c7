package escrow

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"nhbchain/core/events"
	"nhbchain/core/types"
)

const nano = 1_000_000_000

func newTestAddress(fill byte) types.Address {
	var addr types.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

type harness struct {
	ledger    *Ledger
	engine    *Engine
	recorder  *events.Recorder
	moderator types.Address
	seller    types.Address
	buyer     types.Address
	stranger  types.Address
	lastOps   int
}

func newHarness(t *testing.T, policy FeePolicy) *harness {
	t.Helper()
	if err := policy.Validate(); err != nil {
		t.Fatalf("invalid policy: %v", err)
	}
	h := &harness{
		moderator: newTestAddress(0x01),
		seller:    newTestAddress(0x02),
		buyer:     newTestAddress(0x03),
		stranger:  newTestAddress(0x04),
		recorder:  &events.Recorder{},
	}
	h.ledger = NewLedger(h.moderator)
	h.engine = NewEngine(policy)
	h.engine.SetEmitter(h.recorder)
	return h
}

// apply runs fn against a fresh transaction and commits only on success.
func (h *harness) apply(t *testing.T, fn func(*Engine) error) error {
	t.Helper()
	tx := h.ledger.Begin()
	h.engine.SetState(tx)
	defer h.engine.SetState(nil)
	err := fn(h.engine)
	h.lastOps = tx.Ops()
	if err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func (h *harness) create(t *testing.T, target uint64, memo string) *Deal {
	t.Helper()
	var deal *Deal
	err := h.apply(t, func(e *Engine) error {
		var err error
		deal, err = e.CreateDeal(h.moderator, h.seller, h.buyer, amt(target), memo)
		return err
	})
	if err != nil {
		t.Fatalf("create deal %q: %v", memo, err)
	}
	return deal
}

func (h *harness) fund(t *testing.T, memo string, deposit uint64) (*FundResult, error) {
	t.Helper()
	var res *FundResult
	err := h.apply(t, func(e *Engine) error {
		var err error
		res, err = e.FundDeal(h.buyer, memo, amt(deposit))
		return err
	})
	return res, err
}

func (h *harness) resolve(t *testing.T, memo string, paySeller bool) (*types.Transfer, error) {
	t.Helper()
	var out *types.Transfer
	err := h.apply(t, func(e *Engine) error {
		var err error
		out, err = e.ResolveDeal(h.moderator, memo, paySeller)
		return err
	})
	return out, err
}

func (h *harness) deposit(t *testing.T, from types.Address, memo string, value uint64) (*DepositResult, error) {
	t.Helper()
	var out *DepositResult
	err := h.apply(t, func(e *Engine) error {
		var err error
		out, err = e.Deposit(from, memo, amt(value))
		return err
	})
	return out, err
}

func (h *harness) refund(t *testing.T, key uint32) (*types.Transfer, error) {
	t.Helper()
	var out *types.Transfer
	err := h.apply(t, func(e *Engine) error {
		var err error
		out, err = e.Refund(h.moderator, key)
		return err
	})
	return out, err
}

func (h *harness) withdraw(t *testing.T, caller types.Address) (*types.Transfer, error) {
	t.Helper()
	var out *types.Transfer
	err := h.apply(t, func(e *Engine) error {
		var err error
		out, err = e.Withdraw(caller)
		return err
	})
	return out, err
}

func requireAmount(t *testing.T, label string, got *uint256.Int, want uint64) {
	t.Helper()
	if got == nil || !got.Eq(amt(want)) {
		t.Fatalf("%s: expected %d, got %v", label, want, got)
	}
}

func TestCreateDealAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	for i, memo := range []string{"a", "b", "c"} {
		deal := h.create(t, nano, memo)
		if deal.ID != uint32(i) {
			t.Fatalf("expected id %d, got %d", i, deal.ID)
		}
		if deal.Funded || !deal.FundedAmount.IsZero() {
			t.Fatalf("new deal should be unfunded: %+v", deal)
		}
	}
	if h.ledger.DealCounter() != 3 {
		t.Fatalf("unexpected counter %d", h.ledger.DealCounter())
	}
	requireAmount(t, "pool", h.ledger.CommissionsPool(), 3*3_000_000)
}

func TestCreateDealRequiresModerator(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	err := h.apply(t, func(e *Engine) error {
		_, err := e.CreateDeal(h.stranger, h.seller, h.buyer, amt(nano), "memo")
		return err
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if h.ledger.DealCounter() != 0 || !h.ledger.CommissionsPool().IsZero() {
		t.Fatalf("rejected create must not mutate state")
	}
	if _, ok := h.ledger.DealByMemo("memo"); ok {
		t.Fatalf("rejected create must not index memo")
	}
}

func TestCreateDealValidatesInput(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	err := h.apply(t, func(e *Engine) error {
		_, err := e.CreateDeal(h.moderator, h.seller, h.buyer, amt(0), "memo")
		return err
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	err = h.apply(t, func(e *Engine) error {
		_, err := e.CreateDeal(h.moderator, h.seller, h.buyer, amt(1), "   ")
		return err
	})
	if !errors.Is(err, ErrInvalidMemo) {
		t.Fatalf("expected ErrInvalidMemo, got %v", err)
	}
	tooBig := new(uint256.Int).AddUint64(MaxAmount(), 1)
	err = h.apply(t, func(e *Engine) error {
		_, err := e.CreateDeal(h.moderator, h.seller, h.buyer, tooBig, "memo")
		return err
	})
	if !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestCreateDealRejectsMemoOfOpenDeal(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, nano, "shared")
	err := h.apply(t, func(e *Engine) error {
		_, err := e.CreateDeal(h.moderator, h.seller, h.buyer, amt(2*nano), "shared")
		return err
	})
	if !errors.Is(err, ErrMemoInUse) {
		t.Fatalf("expected ErrMemoInUse, got %v", err)
	}
	if h.ledger.DealCounter() != 1 {
		t.Fatalf("rejected create must not consume an id")
	}

	if _, err := h.fund(t, "shared", nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.resolve(t, "shared", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	reused := h.create(t, 2*nano, "shared")
	if reused.ID != 1 {
		t.Fatalf("expected reused memo to get id 1, got %d", reused.ID)
	}
	indexed, ok := h.ledger.DealByMemo("shared")
	if !ok || indexed.ID != 1 {
		t.Fatalf("memo should index the newest deal, got %+v", indexed)
	}
	old, ok := h.ledger.Deal(0)
	if !ok || !old.Resolved {
		t.Fatalf("resolved deal must stay readable: %+v", old)
	}
}

func TestFundDealAccumulatesPartialDeposits(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 5*nano, "partial")

	res, err := h.fund(t, "partial", 2*nano)
	if err != nil {
		t.Fatalf("first fund: %v", err)
	}
	requireAmount(t, "credited", res.Credited, 2*nano)
	if res.Deal.Funded {
		t.Fatalf("deal should not be funded yet")
	}
	if _, err := h.fund(t, "partial", 1_500_000_000); err != nil {
		t.Fatalf("second fund: %v", err)
	}
	deal, _ := h.ledger.Deal(0)
	requireAmount(t, "funded amount", deal.FundedAmount, 3_500_000_000)
	if deal.Funded {
		t.Fatalf("deal should not be funded yet")
	}

	if _, err := h.resolve(t, "partial", true); !errors.Is(err, ErrNotFullyFunded) {
		t.Fatalf("expected ErrNotFullyFunded, got %v", err)
	}

	res, err = h.fund(t, "partial", 1_500_000_000)
	if err != nil {
		t.Fatalf("final fund: %v", err)
	}
	if !res.Deal.Funded || !res.Excess.IsZero() {
		t.Fatalf("expected exact funding without excess: %+v", res)
	}
	deal, _ = h.ledger.Deal(0)
	requireAmount(t, "funded amount", deal.FundedAmount, 5*nano)
	if !deal.Funded {
		t.Fatalf("deal should be funded")
	}

	kinds := []string{}
	for _, evt := range h.recorder.Events() {
		kinds = append(kinds, evt.EventType())
	}
	want := []string{EventTypeDealCreated, EventTypeDealPartialFunded, EventTypeDealPartialFunded, EventTypeDealFunded}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestFundDealRejectsSecondFullFunding(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 2*nano, "double-fund")
	if _, err := h.fund(t, "double-fund", 2*nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	poolBefore := h.ledger.CommissionsPool()
	infoBefore := h.ledger.Info()

	if _, err := h.fund(t, "double-fund", 2*nano); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	if Code(ErrAlreadyFunded) != 131 {
		t.Fatalf("unexpected code for ErrAlreadyFunded")
	}
	deal, _ := h.ledger.Deal(0)
	requireAmount(t, "funded amount", deal.FundedAmount, 2*nano)
	if !h.ledger.CommissionsPool().Eq(poolBefore) {
		t.Fatalf("pool changed by rejected fund")
	}
	if h.ledger.Info().UnknownLive != infoBefore.UnknownLive {
		t.Fatalf("rejected fund must not quarantine anything")
	}
}

func TestFundDealUnknownMemo(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	if _, err := h.fund(t, "ghost", nano); !errors.Is(err, ErrNoSuchDeal) {
		t.Fatalf("expected ErrNoSuchDeal, got %v", err)
	}
	if _, err := h.resolve(t, "ghost", true); !errors.Is(err, ErrNoSuchDeal) {
		t.Fatalf("expected ErrNoSuchDeal on resolve, got %v", err)
	}
}

func TestFundDealOverpaymentIsQuarantinedGross(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 5*nano, "overpay")
	res, err := h.fund(t, "overpay", 6*nano)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	requireAmount(t, "credited", res.Credited, 5*nano)
	requireAmount(t, "excess", res.Excess, nano)
	if res.ExcessKey != 0 {
		t.Fatalf("expected first quarantine key 0, got %d", res.ExcessKey)
	}
	deal, _ := h.ledger.Deal(0)
	requireAmount(t, "funded amount", deal.FundedAmount, 5*nano)
	if !deal.Funded {
		t.Fatalf("deal should be fully funded")
	}
	rec, ok := h.ledger.UnknownRecord(0)
	if !ok || rec.Depositor != h.buyer {
		t.Fatalf("excess should be attributed to the depositor: %+v", rec)
	}
	requireAmount(t, "quarantined excess", rec.Amount, nano)
	requireAmount(t, "pool", h.ledger.CommissionsPool(), 3_000_000)

	payout, err := h.resolve(t, "overpay", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	requireAmount(t, "seller payout", payout.Amount, 5*nano-150_000_000)
	requireAmount(t, "still quarantined", h.ledger.UnknownFund(0), nano)

	refund, err := h.refund(t, 0)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.To != h.buyer || refund.Reason != types.ReasonUnknownRefund {
		t.Fatalf("unexpected refund transfer %+v", refund)
	}
	requireAmount(t, "refund", refund.Amount, nano)
	requireAmount(t, "zeroed record", h.ledger.UnknownFund(0), 0)
}

func TestOneUnitDealCarriesNoSkim(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 1, "nano-test")
	res, err := h.fund(t, "nano-test", 30_000_000)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if !res.Deal.Funded {
		t.Fatalf("deal should be funded")
	}
	requireAmount(t, "pool after fund", h.ledger.CommissionsPool(), 3_000_000)

	payout, err := h.resolve(t, "nano-test", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if payout.To != h.seller {
		t.Fatalf("expected payout to seller")
	}
	requireAmount(t, "seller payout", payout.Amount, 1)
	requireAmount(t, "pool after resolve", h.ledger.CommissionsPool(), 3_000_000)
}

func TestResolveDealPaysSellerMinusSkim(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 5*nano, "seller")
	if _, err := h.fund(t, "seller", 5*nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	payout, err := h.resolve(t, "seller", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if payout.To != h.seller || payout.Reason != types.ReasonSellerPayout {
		t.Fatalf("unexpected payout %+v", payout)
	}
	requireAmount(t, "payout", payout.Amount, 4_850_000_000)
	requireAmount(t, "pool", h.ledger.CommissionsPool(), 3_000_000+150_000_000)

	if _, err := h.resolve(t, "seller", true); !errors.Is(err, ErrDealResolved) {
		t.Fatalf("expected ErrDealResolved on second resolve, got %v", err)
	}
	if _, err := h.resolve(t, "seller", false); !errors.Is(err, ErrDealResolved) {
		t.Fatalf("expected ErrDealResolved for buyer branch too, got %v", err)
	}
	requireAmount(t, "pool unchanged", h.ledger.CommissionsPool(), 3_000_000+150_000_000)
}

func TestResolveDealRefundsBuyerGross(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 2*nano, "buyer")
	if _, err := h.fund(t, "buyer", 2*nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	refund, err := h.resolve(t, "buyer", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if refund.To != h.buyer || refund.Reason != types.ReasonBuyerRefund {
		t.Fatalf("unexpected refund %+v", refund)
	}
	requireAmount(t, "refund", refund.Amount, 2*nano)
	requireAmount(t, "pool", h.ledger.CommissionsPool(), 3_000_000)
}

func TestResolveRequiresModerator(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, nano, "auth")
	if _, err := h.fund(t, "auth", nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	err := h.apply(t, func(e *Engine) error {
		_, err := e.ResolveDeal(h.seller, "auth", true)
		return err
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	deal, _ := h.ledger.Deal(0)
	if deal.Resolved {
		t.Fatalf("unauthorized resolve must not close the deal")
	}
}

func TestStrayDepositQuarantinedNetOfSkim(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	res, err := h.deposit(t, h.stranger, "ghost-memo", 1000*nano)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !res.Quarantined || res.Key != 0 {
		t.Fatalf("expected quarantine under key 0: %+v", res)
	}
	commission := uint64(30 * nano)
	net := uint64(970 * nano)
	requireAmount(t, "net", res.Net, net)
	requireAmount(t, "stored", h.ledger.UnknownFund(0), net)
	requireAmount(t, "pool", h.ledger.CommissionsPool(), commission)

	refund, err := h.refund(t, 0)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.To != h.stranger {
		t.Fatalf("refund must go to the depositor")
	}
	requireAmount(t, "refund", refund.Amount, net)
	requireAmount(t, "zeroed", h.ledger.UnknownFund(0), 0)

	if _, err := h.refund(t, 0); !errors.Is(err, ErrNoSuchRecord) {
		t.Fatalf("expected ErrNoSuchRecord, got %v", err)
	}
	if Code(ErrNoSuchRecord) != 120 {
		t.Fatalf("unexpected code for ErrNoSuchRecord")
	}

	payout, err := h.withdraw(t, h.moderator)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "withdrawn", payout.Amount, commission-500_000_000)
	requireAmount(t, "reserve", h.ledger.CommissionsPool(), 500_000_000)
}

func TestRefundRequiresModeratorAndLiveKey(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	if _, err := h.deposit(t, h.stranger, "", nano); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := h.apply(t, func(e *Engine) error {
		_, err := e.Refund(h.stranger, 0)
		return err
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.refund(t, 7); !errors.Is(err, ErrNoSuchRecord) {
		t.Fatalf("expected ErrNoSuchRecord for unused key, got %v", err)
	}
	requireAmount(t, "record intact", h.ledger.UnknownFund(0), 970_000_000)
}

func TestDepositWithMemoFundsOpenDeal(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	h.create(t, 2*nano, "memo-ref")
	res, err := h.deposit(t, h.buyer, "memo-ref", nano)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.Fund == nil || res.Quarantined {
		t.Fatalf("expected deposit to fund the deal: %+v", res)
	}
	deal, _ := h.ledger.Deal(0)
	requireAmount(t, "funded", deal.FundedAmount, nano)

	if _, err := h.fund(t, "memo-ref", nano); err != nil {
		t.Fatalf("fund: %v", err)
	}
	res, err = h.deposit(t, h.buyer, "memo-ref", nano)
	if err != nil {
		t.Fatalf("deposit after funding: %v", err)
	}
	if !res.Quarantined {
		t.Fatalf("deposit for a funded deal should be quarantined")
	}
	requireAmount(t, "net", res.Net, 970_000_000)
}

func TestDepositRejectsBelowMinimum(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MinStrayDeposit = amt(100_000_000)
	h := newHarness(t, policy)
	if _, err := h.deposit(t, h.stranger, "", 99_999_999); !errors.Is(err, ErrDepositTooSmall) {
		t.Fatalf("expected ErrDepositTooSmall, got %v", err)
	}
	if h.ledger.Info().NextUnknownKey != 0 {
		t.Fatalf("rejected deposit must not mint a key")
	}
	if _, err := h.deposit(t, h.stranger, "", 200_000_000); err != nil {
		t.Fatalf("deposit at minimum: %v", err)
	}
}

func TestQuarantineCapacityAndKeyReuse(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MaxUnknownRecords = 3
	h := newHarness(t, policy)
	for i := 0; i < 3; i++ {
		res, err := h.deposit(t, h.stranger, "", 200_000_000)
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if res.Key != uint32(i) {
			t.Fatalf("expected key %d, got %d", i, res.Key)
		}
	}
	poolBefore := h.ledger.CommissionsPool()
	if _, err := h.deposit(t, h.stranger, "", 200_000_000); !errors.Is(err, ErrQuarantineFull) {
		t.Fatalf("expected ErrQuarantineFull, got %v", err)
	}
	if Code(ErrQuarantineFull) != 152 {
		t.Fatalf("unexpected code for ErrQuarantineFull")
	}
	if !h.ledger.CommissionsPool().Eq(poolBefore) {
		t.Fatalf("rejected deposit must not credit the pool")
	}
	requireAmount(t, "no record past capacity", h.ledger.UnknownFund(3), 0)

	if _, err := h.refund(t, 1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	info := h.ledger.Info()
	if info.UnknownLive != 2 || info.UnknownFree != 1 {
		t.Fatalf("unexpected counts after refund: %+v", info)
	}
	res, err := h.deposit(t, h.stranger, "", 300_000_000)
	if err != nil {
		t.Fatalf("deposit into reclaimed slot: %v", err)
	}
	if res.Key != 1 {
		t.Fatalf("expected reclaimed key 1, got %d", res.Key)
	}
	info = h.ledger.Info()
	if info.UnknownLive != 3 || info.UnknownFree != 0 || info.NextUnknownKey != 3 {
		t.Fatalf("key space should not grow when reusing: %+v", info)
	}
	if _, err := h.deposit(t, h.stranger, "", 200_000_000); !errors.Is(err, ErrQuarantineFull) {
		t.Fatalf("expected table to be full again, got %v", err)
	}
}

func TestOverpaymentFailsWhenQuarantineFull(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MaxUnknownRecords = 1
	h := newHarness(t, policy)
	h.create(t, nano, "full")
	if _, err := h.deposit(t, h.stranger, "", nano); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.fund(t, "full", 2*nano); !errors.Is(err, ErrQuarantineFull) {
		t.Fatalf("expected ErrQuarantineFull, got %v", err)
	}
	deal, _ := h.ledger.Deal(0)
	if !deal.FundedAmount.IsZero() {
		t.Fatalf("aborted overpayment must not credit the deal")
	}
}

func TestWithdrawLeavesReserve(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	for i := 0; i < 10; i++ {
		memo := string(rune('a' + i))
		h.create(t, 2000*nano, memo)
		if _, err := h.fund(t, memo, 2000*nano); err != nil {
			t.Fatalf("fund %s: %v", memo, err)
		}
		if _, err := h.resolve(t, memo, true); err != nil {
			t.Fatalf("resolve %s: %v", memo, err)
		}
	}
	before := h.ledger.CommissionsPool()
	if _, err := h.withdraw(t, h.stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	payout, err := h.withdraw(t, h.moderator)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	want := new(uint256.Int).Sub(before, amt(500_000_000))
	if !payout.Amount.Eq(want) || payout.To != h.moderator {
		t.Fatalf("unexpected payout %+v", payout)
	}
	requireAmount(t, "reserve", h.ledger.CommissionsPool(), 500_000_000)

	if _, err := h.withdraw(t, h.moderator); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty at reserve, got %v", err)
	}
	requireAmount(t, "reserve untouched", h.ledger.CommissionsPool(), 500_000_000)
}

func TestWithdrawRejectsBelowReserve(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	if _, err := h.withdraw(t, h.moderator); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty on empty pool, got %v", err)
	}
	if _, err := h.deposit(t, h.stranger, "", nano); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.withdraw(t, h.moderator); !errors.Is(err, ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty below reserve, got %v", err)
	}
	requireAmount(t, "pool", h.ledger.CommissionsPool(), 30_000_000)
}

func TestStrayDepositStaysWithinOpBudget(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MinStrayDeposit = amt(1)
	h := newHarness(t, policy)
	if _, err := h.deposit(t, h.stranger, "", nano); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if h.lastOps > StrayOpBudget {
		t.Fatalf("stray path used %d ops, budget %d", h.lastOps, StrayOpBudget)
	}
	if _, err := h.refund(t, 0); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := h.deposit(t, h.stranger, "unmatched", nano); err != nil {
		t.Fatalf("deposit reusing slot: %v", err)
	}
	if h.lastOps > StrayOpBudget {
		t.Fatalf("stray path with memo used %d ops, budget %d", h.lastOps, StrayOpBudget)
	}
}

func TestDealInvariantsHoldUnderRandomFunding(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MaxUnknownRecords = 1_000
	h := newHarness(t, policy)
	rng := rand.New(rand.NewSource(7))
	memos := []string{"r0", "r1", "r2", "r3"}
	for _, memo := range memos {
		h.create(t, uint64(1+rng.Intn(50)), memo)
	}
	for i := 0; i < 400; i++ {
		memo := memos[rng.Intn(len(memos))]
		_, err := h.fund(t, memo, uint64(1+rng.Intn(20)))
		if err != nil && !errors.Is(err, ErrAlreadyFunded) {
			t.Fatalf("fund %s: %v", memo, err)
		}
		for id := uint32(0); id < uint32(len(memos)); id++ {
			deal, ok := h.ledger.Deal(id)
			if !ok {
				t.Fatalf("deal %d missing", id)
			}
			if deal.FundedAmount.Cmp(deal.TargetAmount) > 0 {
				t.Fatalf("deal %d over-funded: %s > %s", id, deal.FundedAmount.Dec(), deal.TargetAmount.Dec())
			}
			if deal.Funded != deal.FundedAmount.Eq(deal.TargetAmount) {
				t.Fatalf("deal %d funded flag inconsistent", id)
			}
		}
	}
}

func TestMemoWhitespaceIsSignificant(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	plain := h.create(t, nano, "abc")
	padded := h.create(t, 2*nano, " abc ")
	if plain.ID == padded.ID || plain.MemoHash == padded.MemoHash {
		t.Fatalf("padded memo must open a separate deal")
	}
	if _, err := h.fund(t, " abc ", 2*nano); err != nil {
		t.Fatalf("fund padded memo: %v", err)
	}
	deal, _ := h.ledger.Deal(plain.ID)
	if !deal.FundedAmount.IsZero() {
		t.Fatalf("funding the padded memo credited the plain deal")
	}
	if _, ok := h.ledger.DealByMemo("abc "); ok {
		t.Fatalf("lookup must not trim memos")
	}
}

func TestDefaultPolicyRejectsDustStrayDeposits(t *testing.T) {
	h := newHarness(t, DefaultFeePolicy())
	if _, err := h.deposit(t, h.stranger, "", 99_999_999); !errors.Is(err, ErrDepositTooSmall) {
		t.Fatalf("expected ErrDepositTooSmall below 0.1, got %v", err)
	}
	res, err := h.deposit(t, h.stranger, "", 200_000_000)
	if err != nil || !res.Quarantined {
		t.Fatalf("0.2 deposit should be quarantined: %+v %v", res, err)
	}
}
