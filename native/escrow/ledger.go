package escrow

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"nhbchain/core/types"
)

var (
	errTxClosed        = errors.New("escrow ledger: transaction already closed")
	errDealIDExhausted = errors.New("escrow ledger: deal id space exhausted")
	errKeyExhausted    = errors.New("escrow ledger: unknown-funds key space exhausted")
)

// Ledger owns the complete escrow state: the deal registry with its memo
// index, the commission pool and the unknown-funds quarantine. Mutations go
// through a Tx so a failed message never leaves a partial write behind.
//
// Only one Tx may be open at a time; the dispatcher guarantees this. Read
// methods are safe to call concurrently with an open Tx.
type Ledger struct {
	mu        sync.RWMutex
	moderator types.Address
	counter   uint32
	pool      *uint256.Int
	nextKey   uint32
	free      []uint32
	deals     map[uint32]*Deal
	memos     map[[32]byte]uint32
	unknown   map[uint32]*Record
}

// NewLedger creates an empty ledger administered by moderator.
func NewLedger(moderator types.Address) *Ledger {
	return &Ledger{
		moderator: moderator,
		pool:      uint256.NewInt(0),
		deals:     make(map[uint32]*Deal),
		memos:     make(map[[32]byte]uint32),
		unknown:   make(map[uint32]*Record),
	}
}

// Snapshot is a full copy of the ledger used for persistence and diagnostics.
type Snapshot struct {
	Moderator      types.Address
	DealCounter    uint32
	Pool           *uint256.Int
	NextUnknownKey uint32
	FreeKeys       []uint32
	Deals          []*Deal
	Unknown        map[uint32]*Record
}

// RestoreLedger rebuilds a ledger from a snapshot, validating every deal and
// re-deriving the memo index. Deals are indexed in id order so a memo reused
// after resolution points at its newest deal.
func RestoreLedger(s *Snapshot) (*Ledger, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow ledger: nil snapshot")
	}
	l := NewLedger(s.Moderator)
	l.counter = s.DealCounter
	l.pool = cloneAmount(s.Pool)
	l.nextKey = s.NextUnknownKey
	l.free = append([]uint32(nil), s.FreeKeys...)

	deals := append([]*Deal(nil), s.Deals...)
	sort.Slice(deals, func(i, j int) bool { return deals[i].ID < deals[j].ID })
	for _, d := range deals {
		sanitized, err := SanitizeDeal(d)
		if err != nil {
			return nil, err
		}
		if sanitized.ID >= l.counter {
			return nil, fmt.Errorf("escrow ledger: deal %d beyond counter %d", sanitized.ID, l.counter)
		}
		l.deals[sanitized.ID] = sanitized
		l.memos[sanitized.MemoHash] = sanitized.ID
	}
	for key, rec := range s.Unknown {
		if rec == nil || rec.Amount == nil || rec.Amount.IsZero() {
			continue
		}
		if key >= l.nextKey {
			return nil, fmt.Errorf("escrow ledger: unknown key %d beyond counter %d", key, l.nextKey)
		}
		l.unknown[key] = rec.Clone()
	}
	for _, key := range l.free {
		if _, live := l.unknown[key]; live {
			return nil, fmt.Errorf("escrow ledger: free key %d still holds a record", key)
		}
	}
	return l, nil
}

// Snapshot returns a deep copy of the ledger state.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := &Snapshot{
		Moderator:      l.moderator,
		DealCounter:    l.counter,
		Pool:           cloneAmount(l.pool),
		NextUnknownKey: l.nextKey,
		FreeKeys:       append([]uint32(nil), l.free...),
		Deals:          make([]*Deal, 0, len(l.deals)),
		Unknown:        make(map[uint32]*Record, len(l.unknown)),
	}
	for _, d := range l.deals {
		s.Deals = append(s.Deals, d.Clone())
	}
	sort.Slice(s.Deals, func(i, j int) bool { return s.Deals[i].ID < s.Deals[j].ID })
	for key, rec := range l.unknown {
		s.Unknown[key] = rec.Clone()
	}
	return s
}

// Moderator returns the single principal allowed to administer the ledger.
func (l *Ledger) Moderator() types.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.moderator
}

// DealCounter returns the id that the next created deal will receive.
func (l *Ledger) DealCounter() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counter
}

// CommissionsPool returns the current pool balance.
func (l *Ledger) CommissionsPool() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneAmount(l.pool)
}

// Deal looks up a deal by id.
func (l *Ledger) Deal(id uint32) (*Deal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// DealByMemo looks up the deal currently indexed by memo.
func (l *Ledger) DealByMemo(memo string) (*Deal, bool) {
	if CheckMemo(memo) != nil {
		return nil, false
	}
	hash := MemoHash(memo)
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.memos[hash]
	if !ok {
		return nil, false
	}
	d, ok := l.deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// UnknownFund returns the quarantined amount stored under key, or zero.
func (l *Ledger) UnknownFund(key uint32) *uint256.Int {
	rec, ok := l.UnknownRecord(key)
	if !ok {
		return uint256.NewInt(0)
	}
	return rec.Amount
}

// UnknownRecord returns the live quarantine record stored under key.
func (l *Ledger) UnknownRecord(key uint32) (*Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.unknown[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Info returns the diagnostic summary exposed to monitoring tools.
func (l *Ledger) Info() StateInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return StateInfo{
		DealCounter:     l.counter,
		CommissionsPool: cloneAmount(l.pool),
		Moderator:       l.moderator,
		NextUnknownKey:  l.nextKey,
		UnknownLive:     uint32(len(l.unknown)),
		UnknownFree:     uint32(len(l.free)),
	}
}

// Tx is a write overlay on top of a Ledger. Reads fall through to the ledger
// until the key has been written; Commit publishes every write at once and
// Discard drops them. The free-list is tracked as a count of entries popped
// from the committed stack plus a stack of newly pushed keys, so neither
// allocation nor release copies the list.
type Tx struct {
	base    *Ledger
	counter uint32
	pool    *uint256.Int
	nextKey uint32
	live    uint32
	popped  int
	pushed  []uint32
	deals   map[uint32]*Deal
	memos   map[[32]byte]uint32
	unknown map[uint32]*Record
	meta    bool
	ops     int
	closed  bool
}

// Begin opens a write overlay on the ledger.
func (l *Ledger) Begin() *Tx {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Tx{
		base:    l,
		counter: l.counter,
		pool:    cloneAmount(l.pool),
		nextKey: l.nextKey,
		live:    uint32(len(l.unknown)),
		deals:   make(map[uint32]*Deal),
		memos:   make(map[[32]byte]uint32),
		unknown: make(map[uint32]*Record),
	}
}

// Ops reports how many state accesses the transaction has performed.
func (tx *Tx) Ops() int { return tx.ops }

// Moderator returns the ledger moderator.
func (tx *Tx) Moderator() types.Address {
	tx.ops++
	return tx.base.moderator
}

// AllocDealID reserves the next sequential deal id.
func (tx *Tx) AllocDealID() (uint32, error) {
	tx.ops++
	if tx.counter == math.MaxUint32 {
		return 0, errDealIDExhausted
	}
	id := tx.counter
	tx.counter++
	tx.meta = true
	return id, nil
}

// DealGet returns the deal with the given id.
func (tx *Tx) DealGet(id uint32) (*Deal, bool) {
	tx.ops++
	if d, ok := tx.deals[id]; ok {
		return d.Clone(), true
	}
	d, ok := tx.base.deals[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// DealPut stages a deal write after checking its invariants.
func (tx *Tx) DealPut(d *Deal) error {
	tx.ops++
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return err
	}
	tx.deals[sanitized.ID] = sanitized
	return nil
}

// MemoLookup resolves a memo hash to its deal id.
func (tx *Tx) MemoLookup(hash [32]byte) (uint32, bool) {
	tx.ops++
	if id, ok := tx.memos[hash]; ok {
		return id, true
	}
	id, ok := tx.base.memos[hash]
	return id, ok
}

// MemoPut points the memo hash at a deal id.
func (tx *Tx) MemoPut(hash [32]byte, id uint32) {
	tx.ops++
	tx.memos[hash] = id
}

// Pool returns a copy of the staged commission pool balance.
func (tx *Tx) Pool() *uint256.Int {
	tx.ops++
	return cloneAmount(tx.pool)
}

// SetPool stages a new commission pool balance.
func (tx *Tx) SetPool(v *uint256.Int) error {
	tx.ops++
	if v == nil || v.Cmp(maxAmount) > 0 {
		return ErrAmountOverflow
	}
	tx.pool = cloneAmount(v)
	tx.meta = true
	return nil
}

// UnknownLive returns the number of live quarantine records.
func (tx *Tx) UnknownLive() uint32 {
	tx.ops++
	return tx.live
}

// AllocUnknownKey pops a reclaimed key from the free-list, or mints a new one
// from the monotonic counter when the list is empty.
func (tx *Tx) AllocUnknownKey() (uint32, error) {
	tx.ops++
	tx.meta = true
	if n := len(tx.pushed); n > 0 {
		key := tx.pushed[n-1]
		tx.pushed = tx.pushed[:n-1]
		return key, nil
	}
	if remaining := len(tx.base.free) - tx.popped; remaining > 0 {
		tx.popped++
		return tx.base.free[remaining-1], nil
	}
	if tx.nextKey == math.MaxUint32 {
		return 0, errKeyExhausted
	}
	key := tx.nextKey
	tx.nextKey++
	return key, nil
}

// UnknownGet returns the live record stored under key.
func (tx *Tx) UnknownGet(key uint32) (*Record, bool) {
	tx.ops++
	if rec, staged := tx.unknown[key]; staged {
		if rec == nil {
			return nil, false
		}
		return rec.Clone(), true
	}
	rec, ok := tx.base.unknown[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// UnknownPut stores a record under a key obtained from AllocUnknownKey.
func (tx *Tx) UnknownPut(key uint32, rec *Record) error {
	tx.ops++
	if rec == nil || rec.Amount == nil || rec.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if _, exists := tx.peekUnknown(key); exists {
		return fmt.Errorf("escrow ledger: unknown key %d already occupied", key)
	}
	tx.unknown[key] = rec.Clone()
	tx.live++
	tx.meta = true
	return nil
}

// UnknownRelease zeroes the record and returns its key to the free-list.
func (tx *Tx) UnknownRelease(key uint32) error {
	tx.ops++
	if _, exists := tx.peekUnknown(key); !exists {
		return ErrNoSuchRecord
	}
	tx.unknown[key] = nil
	tx.live--
	tx.pushed = append(tx.pushed, key)
	tx.meta = true
	return nil
}

func (tx *Tx) peekUnknown(key uint32) (*Record, bool) {
	if rec, staged := tx.unknown[key]; staged {
		return rec, rec != nil
	}
	rec, ok := tx.base.unknown[key]
	return rec, ok
}

// FreeSlot is a free-list stack entry written by a transaction.
type FreeSlot struct {
	Index uint32
	Key   uint32
}

// UnknownChange is a staged quarantine write. A nil Record means the key was
// released.
type UnknownChange struct {
	Key    uint32
	Record *Record
}

// Changes summarises what a transaction wrote, in a form the persistence
// layer can turn into a single atomic batch.
type Changes struct {
	Meta           bool
	DealCounter    uint32
	Pool           *uint256.Int
	NextUnknownKey uint32
	FreeLen        uint32
	FreePushes     []FreeSlot
	Deals          []*Deal
	Unknown        []UnknownChange
}

// Empty reports whether the transaction wrote nothing.
func (c *Changes) Empty() bool {
	return c == nil || (!c.Meta && len(c.Deals) == 0 && len(c.Unknown) == 0)
}

// Changes returns the staged writes without closing the transaction.
func (tx *Tx) Changes() *Changes {
	base := len(tx.base.free) - tx.popped
	c := &Changes{
		Meta:           tx.meta,
		DealCounter:    tx.counter,
		Pool:           cloneAmount(tx.pool),
		NextUnknownKey: tx.nextKey,
		FreeLen:        uint32(base + len(tx.pushed)),
	}
	for i, key := range tx.pushed {
		c.FreePushes = append(c.FreePushes, FreeSlot{Index: uint32(base + i), Key: key})
	}
	for _, d := range tx.deals {
		c.Deals = append(c.Deals, d.Clone())
	}
	sort.Slice(c.Deals, func(i, j int) bool { return c.Deals[i].ID < c.Deals[j].ID })
	for key, rec := range tx.unknown {
		c.Unknown = append(c.Unknown, UnknownChange{Key: key, Record: rec.Clone()})
	}
	sort.Slice(c.Unknown, func(i, j int) bool { return c.Unknown[i].Key < c.Unknown[j].Key })
	return c
}

// Commit publishes every staged write to the ledger.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	tx.closed = true
	l := tx.base
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter = tx.counter
	l.pool = tx.pool
	l.nextKey = tx.nextKey
	l.free = append(l.free[:len(l.free)-tx.popped], tx.pushed...)
	for id, d := range tx.deals {
		l.deals[id] = d
	}
	for hash, id := range tx.memos {
		l.memos[hash] = id
	}
	for key, rec := range tx.unknown {
		if rec == nil {
			delete(l.unknown, key)
			continue
		}
		l.unknown[key] = rec
	}
	return nil
}

// Discard drops every staged write.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.deals = nil
	tx.memos = nil
	tx.unknown = nil
	tx.pushed = nil
}
