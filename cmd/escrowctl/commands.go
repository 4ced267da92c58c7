package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"nhbchain/cmd/internal/passphrase"
	"nhbchain/core"
	"nhbchain/core/types"
	"nhbchain/crypto"
	"nhbchain/rpc"
)

var keystorePassphrase = func(label string) (string, error) {
	return passphrase.NewSource(keystorePassEnv, label).Get()
}

var opAliases = map[string]core.Op{
	"create":   core.OpCreateDeal,
	"resolve":  core.OpResolveDeal,
	"refund":   core.OpRefundUnknown,
	"withdraw": core.OpWithdraw,
	"fund":     core.OpFundDeal,
	"deposit":  core.OpStray,
}

func parseOpName(name string) (core.Op, error) {
	if op, ok := opAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return op, nil
	}
	return core.ParseOp(name)
}

type bodyFlags struct {
	queryID uint64
	seller  string
	buyer   string
	amount  string
	memo    string
	pay     string
	key     uint
}

func addBodyFlags(fs *flag.FlagSet) *bodyFlags {
	b := &bodyFlags{}
	fs.Uint64Var(&b.queryID, "query-id", 0, "Caller correlation id echoed in the receipt")
	fs.StringVar(&b.seller, "seller", "", "Seller address (create)")
	fs.StringVar(&b.buyer, "buyer", "", "Buyer address (create)")
	fs.StringVar(&b.amount, "amount", "", "Deal amount in base units (create)")
	fs.StringVar(&b.memo, "memo", "", "Deal memo (create, resolve, fund, deposit)")
	fs.StringVar(&b.pay, "pay", "", "Resolution beneficiary: seller or buyer (resolve)")
	fs.UintVar(&b.key, "key", 0, "Unknown-funds key (refund)")
	return b
}

func (b *bodyFlags) encode(op core.Op) ([]byte, error) {
	switch op {
	case core.OpCreateDeal:
		seller, err := types.ParseAddress(b.seller)
		if err != nil {
			return nil, fmt.Errorf("-seller: %w", err)
		}
		buyer, err := types.ParseAddress(b.buyer)
		if err != nil {
			return nil, fmt.Errorf("-buyer: %w", err)
		}
		amount, err := parseAmount("-amount", b.amount)
		if err != nil {
			return nil, err
		}
		return core.EncodeCreateDeal(b.queryID, seller, buyer, amount, b.memo)
	case core.OpResolveDeal:
		var paySeller bool
		switch strings.ToLower(strings.TrimSpace(b.pay)) {
		case "seller":
			paySeller = true
		case "buyer":
		default:
			return nil, errors.New("-pay must be seller or buyer")
		}
		return core.EncodeResolveDeal(b.queryID, b.memo, paySeller)
	case core.OpRefundUnknown:
		if uint64(b.key) > uint64(^uint32(0)) {
			return nil, errors.New("-key out of range")
		}
		return core.EncodeRefundUnknown(b.queryID, uint32(b.key))
	case core.OpWithdraw:
		return core.EncodeWithdraw(b.queryID)
	case core.OpFundDeal:
		return core.EncodeFundDeal(b.queryID, b.memo)
	case core.OpStray:
		return core.EncodeDeposit(b.queryID, b.memo)
	default:
		return nil, fmt.Errorf("op %s cannot be encoded", op)
	}
}

func parseAmount(field, value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s must be a decimal amount", field)
	}
	return amount, nil
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "Path of the keystore file to create")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*out) == "" {
		return fail(stderr, "-out is required")
	}
	pass, err := keystorePassphrase("new keystore")
	if err != nil {
		return fail(stderr, "%v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, "generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return fail(stderr, "write keystore: %v", err)
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func loadKeystoreAddress(path string) (types.Address, error) {
	pass, err := keystorePassphrase("keystore")
	if err != nil {
		return types.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return types.Address{}, err
	}
	var addr types.Address
	copy(addr[:], key.PubKey().Address().Bytes())
	return addr, nil
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", "", "Path of the keystore file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		return fail(stderr, "-keystore is required")
	}
	addr, err := loadKeystoreAddress(*path)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func runEncode(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return fail(stderr, "op is required")
	}
	op, err := parseOpName(args[0])
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fs := newFlagSet("encode "+args[0], stderr)
	body := addBodyFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	encoded, err := body.encode(op)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fmt.Fprintln(stdout, hex.EncodeToString(encoded))
	return 0
}

func runSubmit(c *client, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return fail(stderr, "op is required")
	}
	op, err := parseOpName(args[0])
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fs := newFlagSet("submit "+args[0], stderr)
	body := addBodyFlags(fs)
	senderFlag := fs.String("sender", "", "Sender address")
	keystorePath := fs.String("keystore", "", "Keystore holding the sender key")
	value := fs.String("value", "0", "Value attached to the message in base units")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	var sender types.Address
	switch {
	case strings.TrimSpace(*keystorePath) != "":
		sender, err = loadKeystoreAddress(*keystorePath)
	case strings.TrimSpace(*senderFlag) != "":
		sender, err = types.ParseAddress(*senderFlag)
	default:
		err = errors.New("-sender or -keystore is required")
	}
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if _, err := parseAmount("-value", *value); err != nil {
		return fail(stderr, "%v", err)
	}
	encoded, err := body.encode(op)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	receipt, err := c.submit(rpc.SubmitRequest{
		Sender: sender.String(),
		Value:  strings.TrimSpace(*value),
		Body:   hex.EncodeToString(encoded),
	})
	if err != nil {
		return fail(stderr, "%v", err)
	}
	writeOutput(stdout, receipt)
	if !receipt.Committed() {
		fmt.Fprintf(stderr, "rejected with code %d: %s\n", receipt.Code, receipt.Error)
		return 1
	}
	return 0
}

func runDeal(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deal", stderr)
	id := fs.String("id", "", "Deal id")
	memo := fs.String("memo", "", "Deal memo")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var path string
	switch {
	case *id != "" && *memo != "":
		return fail(stderr, "use either -id or -memo")
	case *id != "":
		if _, err := strconv.ParseUint(*id, 10, 32); err != nil {
			return fail(stderr, "-id must be a deal number")
		}
		path = "/deals/" + *id
	case *memo != "":
		path = "/deals/memo/" + url.PathEscape(*memo)
	default:
		return fail(stderr, "-id or -memo is required")
	}
	return runQuery(c, path, stdout, stderr)
}

func runUnknown(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("unknown", stderr)
	key := fs.Uint("key", 0, "Unknown-funds key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return runQuery(c, "/quarantine/"+strconv.FormatUint(uint64(*key), 10), stdout, stderr)
}

func runQuery(c *client, path string, stdout, stderr io.Writer) int {
	var out json.RawMessage
	if err := c.get(path, &out); err != nil {
		return fail(stderr, "%v", err)
	}
	writeOutput(stdout, out)
	return 0
}

var outputFormat = "json"

// writeOutput renders v in the selected output format. YAML is produced from
// the JSON encoding so field names and amount strings stay identical.
func writeOutput(w io.Writer, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	if outputFormat == "yaml" {
		if out, err := jsonToYAML(data); err == nil {
			fmt.Fprint(w, string(out))
			return
		}
	}
	fmt.Fprintln(w, string(data))
}

func jsonToYAML(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	blockStyle(&doc)
	return yaml.Marshal(&doc)
}

// blockStyle drops the flow and quoting styles carried over from JSON. The
// encoder still quotes strings that would otherwise read back as numbers.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, child := range n.Content {
		blockStyle(child)
	}
}
