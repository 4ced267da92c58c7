package escrow

import "errors"

var (
	ErrUnauthorized    = errors.New("escrow: caller is not the moderator")
	ErrNoSuchDeal      = errors.New("escrow: no deal for memo")
	ErrNoSuchRecord    = errors.New("escrow: no unknown-funds record for key")
	ErrAlreadyFunded   = errors.New("escrow: deal already fully funded")
	ErrNotFullyFunded  = errors.New("escrow: deal not fully funded")
	ErrDealResolved    = errors.New("escrow: deal already resolved")
	ErrMemoInUse       = errors.New("escrow: memo already indexes an open deal")
	ErrQuarantineFull  = errors.New("escrow: unknown-funds table at capacity")
	ErrPoolEmpty       = errors.New("escrow: commission pool at or below reserve")
	ErrInvalidAmount   = errors.New("escrow: invalid amount")
	ErrInvalidMemo     = errors.New("escrow: invalid memo")
	ErrAmountOverflow  = errors.New("escrow: amount exceeds 128 bits")
	ErrDepositTooSmall = errors.New("escrow: deposit below minimum")
	ErrMalformed       = errors.New("escrow: malformed message")

	errNilState = errors.New("escrow engine: state not configured")
)

// Result codes surfaced to senders of rejected messages. Where the deployed
// contract used a distinct exit code the same number is kept.
const (
	CodeOK              uint32 = 0
	CodeInvalidArgument uint32 = 400
	CodeUnauthorized    uint32 = 401
	CodePoolEmpty       uint32 = 402
	CodeNoSuchDeal      uint32 = 404
	CodeMemoInUse       uint32 = 409
	CodeDealResolved    uint32 = 410
	CodeNotFullyFunded  uint32 = 111
	CodeNoSuchRecord    uint32 = 120
	CodeAlreadyFunded   uint32 = 131
	CodeQuarantineFull  uint32 = 152
	CodeMalformed       uint32 = 65535
	CodeInternal        uint32 = 500
)

var codeTable = []struct {
	err  error
	code uint32
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrNoSuchDeal, CodeNoSuchDeal},
	{ErrNoSuchRecord, CodeNoSuchRecord},
	{ErrAlreadyFunded, CodeAlreadyFunded},
	{ErrNotFullyFunded, CodeNotFullyFunded},
	{ErrDealResolved, CodeDealResolved},
	{ErrMemoInUse, CodeMemoInUse},
	{ErrQuarantineFull, CodeQuarantineFull},
	{ErrPoolEmpty, CodePoolEmpty},
	{ErrInvalidAmount, CodeInvalidArgument},
	{ErrInvalidMemo, CodeInvalidArgument},
	{ErrAmountOverflow, CodeInvalidArgument},
	{ErrDepositTooSmall, CodeInvalidArgument},
	{ErrMalformed, CodeMalformed},
}

// Code maps an engine error to its numeric result code. Errors outside the
// taxonomy (storage failures and the like) map to CodeInternal.
func Code(err error) uint32 {
	if err == nil {
		return CodeOK
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
