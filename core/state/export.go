package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nhbchain/native/escrow"
)

type exportedRecord struct {
	Key    uint32
	Record storedRecord
}

type exportedState struct {
	Version        uint32
	Moderator      [20]byte
	DealCounter    uint32
	Pool           *uint256.Int
	NextUnknownKey uint32
	FreeKeys       []uint32
	Deals          []*storedDeal
	Unknown        []exportedRecord
}

// EncodeSnapshot renders a ledger snapshot as deterministic RLP. Deals and
// records are ordered by id so equal ledgers always encode identically.
func EncodeSnapshot(s *escrow.Snapshot) ([]byte, error) {
	out := exportedState{
		Version:        StateVersion,
		Moderator:      s.Moderator,
		DealCounter:    s.DealCounter,
		Pool:           s.Pool,
		NextUnknownKey: s.NextUnknownKey,
		FreeKeys:       append([]uint32{}, s.FreeKeys...),
		Deals:          make([]*storedDeal, 0, len(s.Deals)),
		Unknown:        make([]exportedRecord, 0, len(s.Unknown)),
	}
	if out.Pool == nil {
		out.Pool = uint256.NewInt(0)
	}
	deals := append([]*escrow.Deal(nil), s.Deals...)
	sort.Slice(deals, func(i, j int) bool { return deals[i].ID < deals[j].ID })
	for _, d := range deals {
		out.Deals = append(out.Deals, newStoredDeal(d))
	}
	for key, rec := range s.Unknown {
		out.Unknown = append(out.Unknown, exportedRecord{Key: key, Record: storedRecord{Depositor: rec.Depositor, Amount: rec.Amount}})
	}
	sort.Slice(out.Unknown, func(i, j int) bool { return out.Unknown[i].Key < out.Unknown[j].Key })
	return rlp.EncodeToBytes(&out)
}
