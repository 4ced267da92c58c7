package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"nhooyr.io/websocket"

	"nhbchain/core/types"
)

func runWatch(c *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	filter := fs.String("types", "", "Comma-separated event types to receive")
	count := fs.Int("count", 0, "Exit after this many events (0 streams until interrupted)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	path := "/events"
	if trimmed := strings.TrimSpace(*filter); trimmed != "" {
		path += "?types=" + url.QueryEscape(trimmed)
	}
	conn, _, err := websocket.Dial(ctx, c.websocketURL(path), nil)
	if err != nil {
		return fail(stderr, "connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for seen := 0; *count == 0 || seen < *count; seen++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			return fail(stderr, "event stream closed: %v", err)
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fail(stderr, "decode event: %v", err)
		}
		if outputFormat == "yaml" {
			writeOutput(stdout, &evt)
			fmt.Fprintln(stdout, "---")
			continue
		}
		fmt.Fprintln(stdout, string(data))
	}
	return 0
}
