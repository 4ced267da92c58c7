package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nhbchain/core/types"
	"nhbchain/native/escrow"
)

// ErrModeratorMismatch is returned when a persisted ledger belongs to a
// different moderator than the one configured.
var ErrModeratorMismatch = errors.New("state: stored moderator differs from configured moderator")

type storedMeta struct {
	Moderator      [20]byte
	DealCounter    uint32
	Pool           *uint256.Int
	NextUnknownKey uint32
	FreeLen        uint32
}

type storedDeal struct {
	ID           uint32
	Seller       [20]byte
	Buyer        [20]byte
	TargetAmount *uint256.Int
	FundedAmount *uint256.Int
	Funded       bool
	Resolved     bool
	MemoHash     [32]byte
}

type storedRecord struct {
	Depositor [20]byte
	Amount    *uint256.Int
}

func newStoredDeal(d *escrow.Deal) *storedDeal {
	return &storedDeal{
		ID:           d.ID,
		Seller:       d.Seller,
		Buyer:        d.Buyer,
		TargetAmount: d.TargetAmount,
		FundedAmount: d.FundedAmount,
		Funded:       d.Funded,
		Resolved:     d.Resolved,
		MemoHash:     d.MemoHash,
	}
}

func (s *storedDeal) toDeal() *escrow.Deal {
	return &escrow.Deal{
		ID:           s.ID,
		Seller:       types.Address(s.Seller),
		Buyer:        types.Address(s.Buyer),
		TargetAmount: s.TargetAmount,
		FundedAmount: s.FundedAmount,
		Funded:       s.Funded,
		Resolved:     s.Resolved,
		MemoHash:     s.MemoHash,
	}
}

// OpenLedger loads the persisted ledger, or initialises an empty one owned by
// moderator when the database holds no escrow state yet.
func (m *Manager) OpenLedger(moderator types.Address) (*escrow.Ledger, error) {
	if err := m.EnsureStateVersion(); err != nil {
		return nil, err
	}
	ledger, ok, err := m.LoadLedger()
	if err != nil {
		return nil, err
	}
	if ok {
		if !moderator.IsZero() && ledger.Moderator() != moderator {
			return nil, fmt.Errorf("%w: stored=%s configured=%s", ErrModeratorMismatch, ledger.Moderator(), moderator)
		}
		return ledger, nil
	}
	if moderator.IsZero() {
		return nil, fmt.Errorf("state: moderator required to initialise ledger")
	}
	meta := storedMeta{Moderator: moderator, Pool: uint256.NewInt(0)}
	encoded, err := rlp.EncodeToBytes(&meta)
	if err != nil {
		return nil, err
	}
	if err := m.db.Put(metaKey(), encoded); err != nil {
		return nil, err
	}
	return escrow.NewLedger(moderator), nil
}

// LoadLedger rebuilds the ledger from the database. The boolean is false when
// no ledger has been stored.
func (m *Manager) LoadLedger() (*escrow.Ledger, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, errManagerUnusable
	}
	var meta storedMeta
	ok, err := m.getHashed(metaKey(), &meta)
	if err != nil {
		return nil, false, fmt.Errorf("state: load meta: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	snap := &escrow.Snapshot{
		Moderator:      types.Address(meta.Moderator),
		DealCounter:    meta.DealCounter,
		Pool:           meta.Pool,
		NextUnknownKey: meta.NextUnknownKey,
		FreeKeys:       make([]uint32, 0, meta.FreeLen),
		Deals:          make([]*escrow.Deal, 0, meta.DealCounter),
		Unknown:        make(map[uint32]*escrow.Record),
	}
	for id := uint32(0); id < meta.DealCounter; id++ {
		var stored storedDeal
		found, err := m.getHashed(dealKey(id), &stored)
		if err != nil {
			return nil, false, fmt.Errorf("state: load deal %d: %w", id, err)
		}
		if !found {
			return nil, false, fmt.Errorf("state: deal %d missing below counter %d", id, meta.DealCounter)
		}
		snap.Deals = append(snap.Deals, stored.toDeal())
	}
	for key := uint32(0); key < meta.NextUnknownKey; key++ {
		var stored storedRecord
		found, err := m.getHashed(unknownKey(key), &stored)
		if err != nil {
			return nil, false, fmt.Errorf("state: load unknown-funds record %d: %w", key, err)
		}
		if found {
			snap.Unknown[key] = &escrow.Record{Depositor: types.Address(stored.Depositor), Amount: stored.Amount}
		}
	}
	for i := uint32(0); i < meta.FreeLen; i++ {
		var key uint32
		found, err := m.getHashed(freeSlotKey(i), &key)
		if err != nil {
			return nil, false, fmt.Errorf("state: load free slot %d: %w", i, err)
		}
		if !found {
			return nil, false, fmt.Errorf("state: free slot %d missing below length %d", i, meta.FreeLen)
		}
		snap.FreeKeys = append(snap.FreeKeys, key)
	}
	ledger, err := escrow.RestoreLedger(snap)
	if err != nil {
		return nil, false, err
	}
	return ledger, true, nil
}

// Commit writes the changes staged by one transaction in a single atomic
// batch. The caller commits the in-memory transaction only after this
// succeeds.
func (m *Manager) Commit(moderator types.Address, changes *escrow.Changes) error {
	if m == nil || m.db == nil {
		return errManagerUnusable
	}
	if changes.Empty() {
		return nil
	}
	batch := m.db.NewBatch()
	if changes.Meta {
		meta := storedMeta{
			Moderator:      moderator,
			DealCounter:    changes.DealCounter,
			Pool:           changes.Pool,
			NextUnknownKey: changes.NextUnknownKey,
			FreeLen:        changes.FreeLen,
		}
		encoded, err := rlp.EncodeToBytes(&meta)
		if err != nil {
			return err
		}
		batch.Put(metaKey(), encoded)
	}
	for _, slot := range changes.FreePushes {
		encoded, err := rlp.EncodeToBytes(slot.Key)
		if err != nil {
			return err
		}
		batch.Put(freeSlotKey(slot.Index), encoded)
	}
	for _, d := range changes.Deals {
		encoded, err := rlp.EncodeToBytes(newStoredDeal(d))
		if err != nil {
			return fmt.Errorf("state: encode deal %d: %w", d.ID, err)
		}
		batch.Put(dealKey(d.ID), encoded)
	}
	for _, change := range changes.Unknown {
		if change.Record == nil {
			batch.Delete(unknownKey(change.Key))
			continue
		}
		encoded, err := rlp.EncodeToBytes(&storedRecord{Depositor: change.Record.Depositor, Amount: change.Record.Amount})
		if err != nil {
			return err
		}
		batch.Put(unknownKey(change.Key), encoded)
	}
	return batch.Write()
}
