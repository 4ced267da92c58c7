package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"lukechampine.com/blake3"

	"nhbchain/core"
	"nhbchain/core/state"
	"nhbchain/core/types"
	"nhbchain/journal"
	"nhbchain/native/escrow"
	"nhbchain/observability"
	"nhbchain/observability/logging"
)

var tracer = otel.Tracer("nhbchain/rpc")

func parseUint32Param(r *http.Request, name string) (uint32, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeResult(w, newStateResponse(s.dispatcher.Ledger().Info()))
}

func (s *Server) handleRawState(w http.ResponseWriter, r *http.Request) {
	raw, err := state.EncodeSnapshot(s.dispatcher.Ledger().Snapshot())
	if err != nil {
		s.logger.Error("encode state dump", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to encode state")
		return
	}
	digest := blake3.Sum256(raw)
	writeResult(w, RawStateResponse{RLP: hex.EncodeToString(raw), Blake3: hex.EncodeToString(digest[:])})
}

func (s *Server) handleModerator(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]string{"moderator": s.dispatcher.Ledger().Moderator().String()})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]string{"commissionsPool": amountString(s.dispatcher.Ledger().CommissionsPool())})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	p := s.dispatcher.Policy()
	writeResult(w, PolicyResponse{
		CreateFee:         amountString(p.CreateFee),
		SkimBps:           p.SkimBps,
		Reserve:           amountString(p.Reserve),
		MaxUnknownRecords: p.MaxUnknownRecords,
		MinStrayDeposit:   amountString(p.MinStrayDeposit),
	})
}

func (s *Server) handleDealCounter(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]uint32{"dealCounter": s.dispatcher.Ledger().DealCounter()})
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint32Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "deal id must be a uint32")
		return
	}
	deal, ok := s.dispatcher.Ledger().Deal(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", escrow.ErrNoSuchDeal.Error())
		return
	}
	writeResult(w, newDealResponse(deal))
}

func (s *Server) handleDealByMemo(w http.ResponseWriter, r *http.Request) {
	memo, err := url.PathUnescape(chi.URLParam(r, "memo"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "memo must be path-escaped")
		return
	}
	deal, ok := s.dispatcher.Ledger().DealByMemo(memo)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", escrow.ErrNoSuchDeal.Error())
		return
	}
	writeResult(w, newDealResponse(deal))
}

func (s *Server) handleDealExists(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint32Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "deal id must be a uint32")
		return
	}
	_, ok := s.dispatcher.Ledger().Deal(id)
	writeResult(w, ExistsResponse{Exists: ok})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	key, err := parseUint32Param(r, "key")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "key must be a uint32")
		return
	}
	resp := QuarantineResponse{Key: key, Amount: "0"}
	if rec, ok := s.dispatcher.Ledger().UnknownRecord(key); ok {
		resp.Amount = amountString(rec.Amount)
		resp.Depositor = rec.Depositor.String()
	}
	writeResult(w, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid request body")
		return
	}
	in, err := parseSubmit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if s.auth != nil && !senderMatchesToken(r.Context(), in.Sender) {
		observability.ModuleMetrics().RecordThrottle("messages", "sender_mismatch")
		writeError(w, http.StatusForbidden, "forbidden", "token subject does not match sender")
		return
	}
	ctx, span := tracer.Start(r.Context(), "escrow.dispatch")
	defer span.End()
	receipt, err := s.dispatcher.Dispatch(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		s.logger.Error("dispatch failed", slog.Any("error", err), logging.MaskField("sender", req.Sender))
		writeError(w, http.StatusInternalServerError, "internal", "dispatch failed")
		return
	}
	span.SetAttributes(
		attribute.String("escrow.op", receipt.Op),
		attribute.Int64("escrow.code", int64(receipt.Code)),
		attribute.Int("escrow.ops", receipt.Ops),
	)
	if s.journal != nil {
		// The ledger has already committed; a journal failure is logged, not
		// surfaced to the sender.
		if err := s.journal.Record(ctx, in.Sender, in.Value, receipt); err != nil {
			s.logger.Error("journal write failed", slog.Any("error", err), slog.String("receipt", receipt.ID))
		}
	}
	writeResult(w, receipt)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "receipt journal disabled")
		return
	}
	entry, err := s.journal.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("journal read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "journal read failed")
		return
	}
	writeResult(w, entry)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "receipt journal disabled")
		return
	}
	filter, err := parseReceiptFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("journal read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "journal read failed")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeResult(w, entries)
}

func parseReceiptFilter(q url.Values) (journal.Filter, error) {
	filter := journal.Filter{Op: strings.TrimSpace(q.Get("op"))}
	if raw := strings.TrimSpace(q.Get("sender")); raw != "" {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			return filter, err
		}
		filter.Sender = addr.String()
	}
	if raw := strings.TrimSpace(q.Get("deal")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return filter, errors.New("deal must be a uint32")
		}
		deal := uint32(id)
		filter.DealID = &deal
	}
	if raw := strings.TrimSpace(q.Get("rejected")); raw != "" {
		rejected, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("rejected must be a boolean")
		}
		filter.Rejected = &rejected
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func senderMatchesToken(ctx context.Context, sender types.Address) bool {
	subject, ok := tokenSubject(ctx)
	if !ok {
		return false
	}
	addr, err := types.ParseAddress(subject)
	return err == nil && addr == sender
}

func parseSubmit(req SubmitRequest) (core.Inbound, error) {
	sender, err := types.ParseAddress(req.Sender)
	if err != nil {
		return core.Inbound{}, err
	}
	value := uint256.NewInt(0)
	if trimmed := strings.TrimSpace(req.Value); trimmed != "" {
		value, err = uint256.FromDecimal(trimmed)
		if err != nil {
			return core.Inbound{}, errors.New("value must be a decimal amount")
		}
	}
	body, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Body), "0x"))
	if err != nil {
		return core.Inbound{}, errors.New("body must be hex encoded")
	}
	return core.Inbound{Sender: sender, Value: value, Body: body}, nil
}
