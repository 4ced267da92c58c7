package core

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nhbchain/core/types"
	"nhbchain/native/escrow"
)

// Op identifies the operation requested by an inbound message body.
type Op uint32

const (
	OpStray         Op = 0
	OpCreateDeal    Op = 1
	OpResolveDeal   Op = 2
	OpRefundUnknown Op = 3
	OpWithdraw      Op = 4
	OpFundDeal      Op = 5
)

// headerLength covers the op-code and the query id.
const headerLength = 12

func (op Op) String() string {
	switch op {
	case OpStray:
		return "stray"
	case OpCreateDeal:
		return "create_deal"
	case OpResolveDeal:
		return "resolve_deal"
	case OpRefundUnknown:
		return "refund_unknown"
	case OpWithdraw:
		return "withdraw"
	case OpFundDeal:
		return "fund_deal"
	default:
		return fmt.Sprintf("op_%d", uint32(op))
	}
}

// Known reports whether the op-code has a dedicated handler.
func (op Op) Known() bool { return op >= OpCreateDeal && op <= OpFundDeal }

// ParseOp maps a command name to its op-code.
func ParseOp(name string) (Op, error) {
	for op := OpStray; op <= OpFundDeal; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", name)
}

type CreateDealPayload struct {
	Seller [20]byte
	Buyer  [20]byte
	Amount *uint256.Int
	Memo   string
}

type ResolveDealPayload struct {
	Memo      string
	PaySeller bool
}

type RefundUnknownPayload struct {
	Key uint32
}

type FundDealPayload struct {
	Memo string
}

// DepositPayload is the optional memo reference carried by an op-0 body.
type DepositPayload struct {
	Memo string
}

// Message is a decoded inbound body. Exactly one payload pointer is set for
// known ops; stray deposits only carry Memo.
type Message struct {
	Op      Op
	QueryID uint64
	Create  *CreateDealPayload
	Resolve *ResolveDealPayload
	Refund  *RefundUnknownPayload
	Fund    *FundDealPayload
	Memo    string
}

// Stray reports whether the message is absorbed as a bare deposit.
func (m *Message) Stray() bool { return m == nil || !m.Op.Known() }

// Inbound is a message delivered by the host together with the value it
// carried.
type Inbound struct {
	Sender types.Address `json:"sender"`
	Value  *uint256.Int  `json:"value"`
	Body   []byte        `json:"body"`
}

// DecodeMessage parses an inbound body. A body too short to carry an
// op-code, or one with an unrecognised op-code, yields a stray deposit. A
// recognised op-code whose header or payload fails to decode returns
// escrow.ErrMalformed.
func DecodeMessage(body []byte) (*Message, error) {
	if len(body) < 4 {
		return &Message{Op: OpStray}, nil
	}
	if len(body) < headerLength {
		op := Op(binary.BigEndian.Uint32(body[:4]))
		if op.Known() {
			return nil, fmt.Errorf("%w: body shorter than %d-byte header", escrow.ErrMalformed, headerLength)
		}
		return &Message{Op: op}, nil
	}
	msg := &Message{
		Op:      Op(binary.BigEndian.Uint32(body[:4])),
		QueryID: binary.BigEndian.Uint64(body[4:headerLength]),
	}
	payload := body[headerLength:]
	switch msg.Op {
	case OpCreateDeal:
		msg.Create = new(CreateDealPayload)
		if err := decodePayload(payload, msg.Create); err != nil {
			return nil, err
		}
		if msg.Create.Amount == nil {
			return nil, fmt.Errorf("%w: missing amount", escrow.ErrMalformed)
		}
		if msg.Create.Amount.Cmp(escrow.MaxAmount()) > 0 {
			return nil, escrow.ErrAmountOverflow
		}
	case OpResolveDeal:
		msg.Resolve = new(ResolveDealPayload)
		if err := decodePayload(payload, msg.Resolve); err != nil {
			return nil, err
		}
	case OpRefundUnknown:
		msg.Refund = new(RefundUnknownPayload)
		if err := decodePayload(payload, msg.Refund); err != nil {
			return nil, err
		}
	case OpWithdraw:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: withdraw carries no payload", escrow.ErrMalformed)
		}
	case OpFundDeal:
		msg.Fund = new(FundDealPayload)
		if err := decodePayload(payload, msg.Fund); err != nil {
			return nil, err
		}
	case OpStray:
		// Text comments are common on bare transfers; only a well-formed memo
		// reference is honoured.
		var ref DepositPayload
		if len(payload) > 0 && rlp.DecodeBytes(payload, &ref) == nil {
			msg.Memo = ref.Memo
		}
	}
	return msg, nil
}

func decodePayload(payload []byte, out interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", escrow.ErrMalformed)
	}
	if err := rlp.DecodeBytes(payload, out); err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrMalformed, err)
	}
	return nil
}

// EncodeMessage renders a header followed by the RLP payload. A nil payload
// produces a bare header.
func EncodeMessage(op Op, queryID uint64, payload interface{}) ([]byte, error) {
	header := make([]byte, headerLength)
	binary.BigEndian.PutUint32(header[:4], uint32(op))
	binary.BigEndian.PutUint64(header[4:], queryID)
	if payload == nil {
		return header, nil
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, err
	}
	return append(header, encoded...), nil
}

func EncodeCreateDeal(queryID uint64, seller, buyer types.Address, amount *uint256.Int, memo string) ([]byte, error) {
	return EncodeMessage(OpCreateDeal, queryID, &CreateDealPayload{Seller: seller, Buyer: buyer, Amount: amount, Memo: memo})
}

func EncodeResolveDeal(queryID uint64, memo string, paySeller bool) ([]byte, error) {
	return EncodeMessage(OpResolveDeal, queryID, &ResolveDealPayload{Memo: memo, PaySeller: paySeller})
}

func EncodeRefundUnknown(queryID uint64, key uint32) ([]byte, error) {
	return EncodeMessage(OpRefundUnknown, queryID, &RefundUnknownPayload{Key: key})
}

func EncodeWithdraw(queryID uint64) ([]byte, error) {
	return EncodeMessage(OpWithdraw, queryID, nil)
}

func EncodeFundDeal(queryID uint64, memo string) ([]byte, error) {
	return EncodeMessage(OpFundDeal, queryID, &FundDealPayload{Memo: memo})
}

// EncodeDeposit builds an op-0 body. An empty memo yields an empty body.
func EncodeDeposit(queryID uint64, memo string) ([]byte, error) {
	if memo == "" {
		return nil, nil
	}
	return EncodeMessage(OpStray, queryID, &DepositPayload{Memo: memo})
}
