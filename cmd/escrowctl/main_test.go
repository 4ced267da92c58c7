package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nhbchain/core"
	"nhbchain/core/types"
	"nhbchain/journal"
	"nhbchain/native/escrow"
	"nhbchain/rpc"
)

const (
	moderatorHex = "0x0101010101010101010101010101010101010101"
	sellerHex    = "0x0202020202020202020202020202020202020202"
	buyerHex     = "0x0303030303030303030303030303030303030303"
)

func newTestAPI(t *testing.T) string {
	t.Helper()
	moderator, err := types.ParseAddress(moderatorHex)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher, err := core.NewDispatcher(escrow.NewLedger(moderator), escrow.DefaultFeePolicy(), core.WithLogger(logger))
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewServer(dispatcher, rpc.RateLimit{RequestsPerSecond: 1000, Burst: 1000}, logger).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// newStreamingAPI serves the API with the websocket event stream and a
// sqlite receipt journal attached.
func newStreamingAPI(t *testing.T) (string, *rpc.EventHub) {
	t.Helper()
	moderator, err := types.ParseAddress(moderatorHex)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := rpc.NewEventHub(16)
	store, err := journal.Open(journal.DriverSQLite, filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	dispatcher, err := core.NewDispatcher(escrow.NewLedger(moderator), escrow.DefaultFeePolicy(),
		core.WithLogger(logger), core.WithEmitter(hub))
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewServer(dispatcher, rpc.RateLimit{RequestsPerSecond: 1000, Burst: 1000}, logger,
		rpc.WithEventHub(hub), rpc.WithJournal(store)).Handler())
	t.Cleanup(srv.Close)
	return srv.URL, hub
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func stubPassphrase(t *testing.T, value string) {
	t.Helper()
	prev := keystorePassphrase
	keystorePassphrase = func(string) (string, error) { return value, nil }
	t.Cleanup(func() { keystorePassphrase = prev })
}

func TestEncodeMatchesMessageEncoding(t *testing.T) {
	code, out, errOut := runCLI(t, "encode", "resolve", "-memo", "order-7", "-pay", "seller", "-query-id", "9")
	require.Zero(t, code, errOut)
	want, err := core.EncodeResolveDeal(9, "order-7", true)
	require.NoError(t, err)
	require.Equal(t, hex.EncodeToString(want), strings.TrimSpace(out))

	code, out, _ = runCLI(t, "encode", "deposit")
	require.Zero(t, code)
	require.Empty(t, strings.TrimSpace(out))

	code, _, errOut = runCLI(t, "encode", "resolve", "-memo", "x", "-pay", "nobody")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-pay")

	code, _, errOut = runCLI(t, "encode", "teleport")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown op")
}

func TestSubmitDealLifecycle(t *testing.T) {
	api := newTestAPI(t)

	code, out, errOut := runCLI(t, "-rpc", api, "submit", "create", "-sender", moderatorHex,
		"-seller", sellerHex, "-buyer", buyerHex, "-amount", "1000000000", "-memo", "order-1")
	require.Zero(t, code, errOut)
	var receipt core.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	require.NotNil(t, receipt.DealID)
	require.Equal(t, uint32(0), *receipt.DealID)

	code, _, errOut = runCLI(t, "-rpc", api, "submit", "deposit", "-sender", buyerHex, "-value", "1000000000", "-memo", "order-1")
	require.Zero(t, code, errOut)

	code, out, errOut = runCLI(t, "-rpc", api, "deal", "-memo", "order-1")
	require.Zero(t, code, errOut)
	var deal rpc.DealResponse
	require.NoError(t, json.Unmarshal([]byte(out), &deal))
	require.True(t, deal.Funded)
	require.Equal(t, "1000000000", deal.FundedAmount)

	code, out, errOut = runCLI(t, "-rpc", api, "submit", "resolve", "-sender", moderatorHex, "-memo", "order-1", "-pay", "seller")
	require.Zero(t, code, errOut)
	receipt = core.Receipt{}
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	require.Len(t, receipt.Transfers, 1)
	require.Equal(t, types.ReasonSellerPayout, receipt.Transfers[0].Reason)

	code, out, errOut = runCLI(t, "-rpc", api, "deal", "-id", "0")
	require.Zero(t, code, errOut)
	require.Contains(t, out, `"resolved": true`)
}

func TestSubmitReportsRejection(t *testing.T) {
	api := newTestAPI(t)
	code, out, errOut := runCLI(t, "-rpc", api, "submit", "withdraw", "-sender", sellerHex)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "rejected with code 401")

	var receipt core.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	require.Equal(t, escrow.CodeUnauthorized, receipt.Code)
}

func TestStrayDepositAndUnknownLookup(t *testing.T) {
	api := newTestAPI(t)
	code, out, errOut := runCLI(t, "-rpc", api, "submit", "deposit", "-sender", sellerHex, "-value", "2000000000")
	require.Zero(t, code, errOut)
	var receipt core.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	require.NotNil(t, receipt.Key)

	code, out, errOut = runCLI(t, "-rpc", api, "unknown", "-key", "0")
	require.Zero(t, code, errOut)
	var record rpc.QuarantineResponse
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	require.Equal(t, uint32(0), record.Key)
	require.NotEqual(t, "0", record.Amount)

	code, out, errOut = runCLI(t, "-rpc", api, "unknown", "-key", "7")
	require.Zero(t, code, errOut)
	record = rpc.QuarantineResponse{}
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	require.Equal(t, "0", record.Amount)
	require.Empty(t, record.Depositor)

	code, _, errOut = runCLI(t, "-rpc", api, "deal", "-id", "42")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "404")
}

func TestKeygenAndKeystoreSender(t *testing.T) {
	stubPassphrase(t, "correct horse")
	path := filepath.Join(t.TempDir(), "buyer.keystore")

	code, out, errOut := runCLI(t, "keygen", "-out", path)
	require.Zero(t, code, errOut)
	address := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(address, "p2p1"))

	code, out, errOut = runCLI(t, "address", "-keystore", path)
	require.Zero(t, code, errOut)
	require.Equal(t, address, strings.TrimSpace(out))

	api := newTestAPI(t)
	code, _, errOut = runCLI(t, "-rpc", api, "submit", "deposit", "-keystore", path, "-value", "1000000000")
	require.Zero(t, code, errOut)
}

func TestMonitorPrintsChanges(t *testing.T) {
	api := newTestAPI(t)
	prev := monitorSleep
	polls := 0
	monitorSleep = func(time.Duration) {
		polls++
		if polls == 1 {
			code, _, errOut := runCLI(t, "-rpc", api, "submit", "deposit", "-sender", sellerHex, "-value", "1000000000")
			require.Zero(t, code, errOut)
		}
	}
	t.Cleanup(func() { monitorSleep = prev })

	code, out, errOut := runCLI(t, "-rpc", api, "monitor", "-interval", "1ms", "-count", "3")
	require.Zero(t, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "uf_live=0")
	require.Contains(t, lines[1], "uf_live=1")
	require.Contains(t, lines[1], "pool_delta=+")
}

func TestDescribeStateNegativeDelta(t *testing.T) {
	prev := &rpc.StateResponse{CommissionsPool: "900"}
	cur := &rpc.StateResponse{CommissionsPool: "400"}
	require.Contains(t, describeState(prev, cur), "pool_delta=-500")
}

func TestUsageErrors(t *testing.T) {
	code, _, errOut := runCLI(t)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "Usage")

	code, _, errOut = runCLI(t, "deal")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-id or -memo")

	code, _, errOut = runCLI(t, "submit", "deposit")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-sender or -keystore")
}

func TestYAMLOutput(t *testing.T) {
	api := newTestAPI(t)
	code, out, errOut := runCLI(t, "-rpc", api, "-o", "yaml", "state")
	require.Zero(t, code, errOut)
	require.Contains(t, out, "commissionsPool: \"0\"")
	require.Contains(t, out, "dealCounter: 0")
	require.NotContains(t, out, "{")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "0", decoded["commissionsPool"])
	require.Equal(t, 0, decoded["dealCounter"])

	code, _, errOut = runCLI(t, "-o", "xml", "state")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-o must be")
}

func TestWatchStreamsEvents(t *testing.T) {
	api, hub := newStreamingAPI(t)

	type result struct {
		code        int
		out, errOut string
	}
	done := make(chan result, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		code := run([]string{"-rpc", api, "watch", "-types", escrow.EventTypeDealCreated, "-count", "1"}, &stdout, &stderr)
		done <- result{code, stdout.String(), stderr.String()}
	}()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	code, _, errOut := runCLI(t, "-rpc", api, "submit", "deposit", "-sender", sellerHex, "-value", "2000000000")
	require.Zero(t, code, errOut)
	code, _, errOut = runCLI(t, "-rpc", api, "submit", "create", "-sender", moderatorHex,
		"-seller", sellerHex, "-buyer", buyerHex, "-amount", "1000000000", "-memo", "order-9")
	require.Zero(t, code, errOut)

	select {
	case res := <-done:
		require.Zero(t, res.code, res.errOut)
		var evt types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(res.out)), &evt))
		require.Equal(t, escrow.EventTypeDealCreated, evt.Type)
		require.Equal(t, "0", evt.Attributes["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestReceiptsListAndExport(t *testing.T) {
	api, _ := newStreamingAPI(t)
	code, _, errOut := runCLI(t, "-rpc", api, "submit", "create", "-sender", moderatorHex,
		"-seller", sellerHex, "-buyer", buyerHex, "-amount", "1000000000", "-memo", "order-2")
	require.Zero(t, code, errOut)
	code, _, _ = runCLI(t, "-rpc", api, "submit", "withdraw", "-sender", sellerHex)
	require.Equal(t, 1, code)

	code, out, errOut := runCLI(t, "-rpc", api, "receipts", "-rejected", "true")
	require.Zero(t, code, errOut)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, escrow.CodeUnauthorized, entries[0].Code)

	code, out, errOut = runCLI(t, "-rpc", api, "receipts", "-id", entries[0].ID)
	require.Zero(t, code, errOut)
	require.Contains(t, out, entries[0].ID)

	path := filepath.Join(t.TempDir(), "receipts.parquet")
	code, out, errOut = runCLI(t, "-rpc", api, "receipts", "-export", path)
	require.Zero(t, code, errOut)
	require.Contains(t, out, "wrote 2 receipts")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestTokenIsAcceptedByAuthenticator(t *testing.T) {
	code, out, errOut := runCLI(t, "token", "-secret", "relay-secret", "-subject", moderatorHex, "-ttl", "1m")
	require.Zero(t, code, errOut)
	token := strings.TrimSpace(out)
	require.Equal(t, 2, strings.Count(token, "."))

	moderator, err := types.ParseAddress(moderatorHex)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher, err := core.NewDispatcher(escrow.NewLedger(moderator), escrow.DefaultFeePolicy(), core.WithLogger(logger))
	require.NoError(t, err)
	auth := rpc.NewAuthenticator(rpc.AuthConfig{HMACSecret: "relay-secret"})
	srv := httptest.NewServer(rpc.NewServer(dispatcher, rpc.RateLimit{RequestsPerSecond: 1000, Burst: 1000}, logger,
		rpc.WithAuthenticator(auth)).Handler())
	t.Cleanup(srv.Close)

	code, _, errOut = runCLI(t, "-rpc", srv.URL, "-token", token, "submit", "create", "-sender", moderatorHex,
		"-seller", sellerHex, "-buyer", buyerHex, "-amount", "1000000000", "-memo", "order-3")
	require.Zero(t, code, errOut)
	code, _, errOut = runCLI(t, "-rpc", srv.URL, "-token", token, "submit", "deposit", "-sender", buyerHex, "-value", "1000000000")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "403")

	code, _, errOut = runCLI(t, "token", "-secret", "")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-secret")

	code, _, errOut = runCLI(t, "token", "-secret", "relay-secret", "-subject", "escrow-host")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "-subject")
}
