// Command controller drives the gateway's controller websocket endpoint:
// a line-oriented REPL by default, or the same operations exposed as MCP
// tools over stdio/SSE when --mcp is set, per spec.md §6.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"actionplane/internal/controllerclient"
)

func main() {
	gatewayURL := flag.String("gateway-url", "ws://127.0.0.1:9333/controller", "Gateway controller websocket endpoint")
	useMCP := flag.Bool("mcp", false, "Expose list_tabs/query/act/navigate/cdp_* as MCP tools instead of running the REPL")
	ssePort := flag.Int("sse-port", 0, "Serve MCP over SSE on this port instead of stdio (requires --mcp)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := controllerclient.New(*gatewayURL)
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to gateway: %v", err)
	}
	defer client.Close()

	go logTelemetry(client)

	if *useMCP {
		server, err := newMCPServer(client)
		if err != nil {
			log.Fatalf("failed to initialize MCP server: %v", err)
		}
		var startErr error
		if *ssePort > 0 {
			log.Printf("starting controller MCP SSE server on port %d", *ssePort)
			startErr = server.StartSSE(ctx, *ssePort)
		} else {
			log.Printf("starting controller MCP stdio server")
			startErr = server.Start(ctx)
		}
		if startErr != nil && ctx.Err() == nil {
			log.Fatalf("mcp server exited with error: %v", startErr)
		}
		return
	}

	runREPL(ctx, client)
}

// logTelemetry drains the client's telemetry feed to stdout so a human REPL
// session can see snapshots/deltas/events arrive asynchronously.
func logTelemetry(client *controllerclient.Client) {
	for t := range client.Events() {
		switch {
		case t.Snapshot != nil:
			fmt.Printf("[telemetry] snapshot tab=%s url=%s candidates=%d\n", t.Snapshot.TabID, t.Snapshot.URL, len(t.Snapshot.Candidates))
		case t.Delta != nil:
			fmt.Printf("[telemetry] delta tab=%s +%d ~%d -%d\n", t.Delta.TabID, len(t.Delta.Added), len(t.Delta.Updated), len(t.Delta.Removed))
		case t.Event != nil:
			fmt.Printf("[telemetry] event tab=%s name=%s\n", t.Event.TabID, t.Event.Name)
		}
	}
}

// runREPL reads line-oriented commands from stdin, grounded in the
// bufio.Scanner-driven loop shape a tool-free process would reach for here.
func runREPL(ctx context.Context, client *controllerclient.Client) {
	fmt.Println("actionplane controller REPL. Commands: list_tabs | query <tabId> <search> | act <tabId> <commandJSON> | navigate <url> | cdp_status | cdp_type <text> | cdp_key <key> | cdp_eval <expr> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		if err := dispatchREPLLine(ctx, client, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}
