package main

import (
	"fmt"
	"io"
	"math/big"
	"time"

	"nhbchain/rpc"
)

var monitorSleep = time.Sleep

func runMonitor(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("monitor", stderr)
	interval := fs.Duration("interval", 5*time.Second, "Polling interval")
	count := fs.Int("count", 0, "Number of polls before exiting (0 polls forever)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *interval <= 0 {
		return fail(stderr, "-interval must be positive")
	}

	var last *rpc.StateResponse
	for i := 0; *count == 0 || i < *count; i++ {
		if i > 0 {
			monitorSleep(*interval)
		}
		var current rpc.StateResponse
		if err := c.get("/state", &current); err != nil {
			fmt.Fprintf(stderr, "poll failed: %v\n", err)
			continue
		}
		if last == nil || current != *last {
			fmt.Fprintln(stdout, describeState(last, &current))
		}
		last = &current
	}
	return 0
}

func describeState(prev, cur *rpc.StateResponse) string {
	line := fmt.Sprintf("pool=%s deals=%d uf_live=%d uf_free=%d next_key=%d",
		cur.CommissionsPool, cur.DealCounter, cur.UnknownLive, cur.UnknownFree, cur.NextUnknownKey)
	if prev == nil {
		return line
	}
	before, ok1 := new(big.Int).SetString(prev.CommissionsPool, 10)
	after, ok2 := new(big.Int).SetString(cur.CommissionsPool, 10)
	if ok1 && ok2 {
		delta := new(big.Int).Sub(after, before)
		if delta.Sign() >= 0 {
			line += " pool_delta=+" + delta.String()
		} else {
			line += " pool_delta=" + delta.String()
		}
	}
	return line
}
