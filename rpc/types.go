package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/holiman/uint256"

	"nhbchain/native/escrow"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func writeResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type DealResponse struct {
	ID           uint32 `json:"id"`
	Seller       string `json:"seller"`
	Buyer        string `json:"buyer"`
	Amount       string `json:"amount"`
	FundedAmount string `json:"fundedAmount"`
	Funded       bool   `json:"funded"`
	Resolved     bool   `json:"resolved"`
	MemoHash     string `json:"memoHash"`
}

func newDealResponse(d *escrow.Deal) DealResponse {
	return DealResponse{
		ID:           d.ID,
		Seller:       d.Seller.String(),
		Buyer:        d.Buyer.String(),
		Amount:       amountString(d.TargetAmount),
		FundedAmount: amountString(d.FundedAmount),
		Funded:       d.Funded,
		Resolved:     d.Resolved,
		MemoHash:     hex.EncodeToString(d.MemoHash[:]),
	}
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type StateResponse struct {
	DealCounter     uint32 `json:"dealCounter"`
	CommissionsPool string `json:"commissionsPool"`
	Moderator       string `json:"moderator"`
	NextUnknownKey  uint32 `json:"nextUfKey"`
	UnknownLive     uint32 `json:"ufLiveCount"`
	UnknownFree     uint32 `json:"ufFreeCount"`
}

func newStateResponse(info escrow.StateInfo) StateResponse {
	return StateResponse{
		DealCounter:     info.DealCounter,
		CommissionsPool: amountString(info.CommissionsPool),
		Moderator:       info.Moderator.String(),
		NextUnknownKey:  info.NextUnknownKey,
		UnknownLive:     info.UnknownLive,
		UnknownFree:     info.UnknownFree,
	}
}

type RawStateResponse struct {
	RLP    string `json:"rlp"`
	Blake3 string `json:"blake3"`
}

type QuarantineResponse struct {
	Key       uint32 `json:"key"`
	Amount    string `json:"amount"`
	Depositor string `json:"depositor,omitempty"`
}

type PolicyResponse struct {
	CreateFee         string `json:"createFee"`
	SkimBps           uint32 `json:"skimBps"`
	Reserve           string `json:"reserve"`
	MaxUnknownRecords uint32 `json:"maxUnknownRecords"`
	MinStrayDeposit   string `json:"minStrayDeposit"`
}

// SubmitRequest carries an inbound message over HTTP. Value is a decimal
// amount in base units and Body the hex-encoded message body.
type SubmitRequest struct {
	Sender string `json:"sender"`
	Value  string `json:"value"`
	Body   string `json:"body"`
}
