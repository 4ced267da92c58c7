package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"nhbchain/core/types"
	"nhbchain/journal"
	"nhbchain/rpc"
)

func runReceipts(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipts", stderr)
	id := fs.String("id", "", "Receipt id")
	op := fs.String("op", "", "Only receipts for this op (e.g. fund_deal)")
	sender := fs.String("sender", "", "Only receipts from this sender")
	deal := fs.String("deal", "", "Only receipts touching this deal id")
	rejected := fs.String("rejected", "", "true for rejections only, false for commits only")
	limit := fs.Int("limit", 0, "Maximum receipts to return")
	export := fs.String("export", "", "Write the listed receipts to this parquet file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id != "" {
		return runQuery(c, "/receipts/"+url.PathEscape(*id), stdout, stderr)
	}

	q := url.Values{}
	set := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			q.Set(key, v)
		}
	}
	set("op", *op)
	set("sender", *sender)
	set("deal", *deal)
	set("rejected", *rejected)
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	path := "/receipts"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var entries []journal.Entry
	if err := c.get(path, &entries); err != nil {
		return fail(stderr, "%v", err)
	}
	if *export == "" {
		writeOutput(stdout, entries)
		return 0
	}
	file, err := os.Create(*export)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if err := journal.ExportParquet(file, entries); err != nil {
		file.Close()
		return fail(stderr, "%v", err)
	}
	if err := file.Close(); err != nil {
		return fail(stderr, "%v", err)
	}
	fmt.Fprintf(stdout, "wrote %d receipts to %s\n", len(entries), *export)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	secret := fs.String("secret", os.Getenv("P2PESCROW_AUTH_SECRET"), "HMAC secret shared with escrowd")
	issuer := fs.String("issuer", "", "Issuer claim")
	audience := fs.String("audience", "", "Audience claim")
	subject := fs.String("subject", "", "Sender address the token may submit as")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*secret) == "" {
		return fail(stderr, "%v", errors.New("-secret is required"))
	}
	sender, err := types.ParseAddress(*subject)
	if err != nil {
		return fail(stderr, "-subject must be a sender address: %v", err)
	}
	token, err := rpc.IssueToken(rpc.AuthConfig{HMACSecret: *secret, Issuer: *issuer, Audience: *audience}, sender.String(), *ttl, time.Now())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}
