package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	rpcEnv          = "P2PESCROW_RPC"
	tokenEnv        = "P2PESCROW_TOKEN"
	keystorePassEnv = "P2PESCROW_KEYSTORE_PASS"
	defaultRPC      = "http://127.0.0.1:8080"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	endpoint := global.String("rpc", defaultEndpoint(), "Escrow API base URL")
	token := global.String("token", os.Getenv(tokenEnv), "Bearer token for message submission")
	format := global.String("o", "json", "Output format: json or yaml")
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	switch *format {
	case "json", "yaml":
		if outputFormat != *format {
			outputFormat = *format
		}
	default:
		return fail(stderr, "-o must be json or yaml")
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	c := newClient(*endpoint, *token)
	switch rest[0] {
	case "keygen":
		return runKeygen(rest[1:], stdout, stderr)
	case "address":
		return runAddress(rest[1:], stdout, stderr)
	case "encode":
		return runEncode(rest[1:], stdout, stderr)
	case "submit":
		return runSubmit(c, rest[1:], stdout, stderr)
	case "deal":
		return runDeal(c, rest[1:], stdout, stderr)
	case "unknown":
		return runUnknown(c, rest[1:], stdout, stderr)
	case "state":
		return runQuery(c, "/state", stdout, stderr)
	case "policy":
		return runQuery(c, "/policy", stdout, stderr)
	case "monitor":
		return runMonitor(c, rest[1:], stdout, stderr)
	case "watch":
		return runWatch(c, rest[1:], stdout, stderr)
	case "receipts":
		return runReceipts(c, rest[1:], stdout, stderr)
	case "token":
		return runToken(rest[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s\n", rest[0], usage())
		return 1
	}
}

func defaultEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcEnv)); v != "" {
		return v
	}
	return defaultRPC
}

func usage() string {
	return strings.Join([]string{
		"Usage: escrowctl [-rpc URL] [-token JWT] [-o json|yaml] <command> [flags]",
		"",
		"Commands:",
		"  keygen   -out <path>                     Create an encrypted keystore and print its address",
		"  address  -keystore <path>                Print the address held by a keystore",
		"  encode   <op> [body flags]               Print a hex message body without sending it",
		"  submit   <op> [body flags] -value <amt>  Deliver a message as -sender or -keystore",
		"  deal     -id <n> | -memo <text>          Show a deal",
		"  unknown  -key <n>                        Show a quarantined deposit",
		"  state                                    Show ledger aggregates",
		"  policy                                   Show the fee policy",
		"  monitor  [-interval 5s] [-count n]       Poll ledger aggregates and print changes",
		"  watch    [-types a,b] [-count n]         Stream committed events over websocket",
		"  receipts [-id x | filters] [-export f]   Query the receipt journal, optionally to parquet",
		"  token    -secret s -subject addr [-ttl 1h] Issue a bearer token for one sender",
		"",
		"Ops: create, resolve, refund, withdraw, fund, deposit",
		"Body flags: -query-id, -seller, -buyer, -amount, -memo, -pay seller|buyer, -key",
	}, "\n")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func fail(w io.Writer, format string, args ...interface{}) int {
	fmt.Fprintf(w, "Error: "+format+"\n", args...)
	return 1
}
