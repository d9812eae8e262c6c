package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"actionplane/internal/controllerclient"
	"actionplane/internal/protocol"
)

// dispatchREPLLine parses one REPL line and runs the matching
// controllerclient.Client call, printing its result as JSON.
func dispatchREPLLine(ctx context.Context, client *controllerclient.Client, line string) error {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "list_tabs":
		tabs, err := client.ListTabs(ctx)
		return printResult(tabs, err)

	case "query":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) == 0 || parts[0] == "" {
			return fmt.Errorf("usage: query <tabId> <search>")
		}
		tabID := parts[0]
		search := ""
		if len(parts) > 1 {
			search = parts[1]
		}
		matches, err := client.Query(ctx, tabID, search, protocol.Filters{})
		return printResult(matches, err)

	case "act":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: act <tabId> <commandJSON>")
		}
		var c protocol.Command
		if err := json.Unmarshal([]byte(parts[1]), &c); err != nil {
			return fmt.Errorf("malformed command JSON: %w", err)
		}
		c.TabID = parts[0]
		if c.CommandID == "" {
			c.CommandID = protocol.NewCommandID()
		}
		ack, err := client.Act(ctx, c)
		return printResult(ack, err)

	case "navigate":
		if rest == "" {
			return fmt.Errorf("usage: navigate <url>")
		}
		res, err := client.Navigate(ctx, rest)
		return printResult(res, err)

	case "cdp_status":
		res, err := client.CDPStatus(ctx)
		return printResult(res, err)

	case "cdp_type":
		res, err := client.CDPType(ctx, rest)
		return printResult(res, err)

	case "cdp_key":
		res, err := client.CDPKey(ctx, rest)
		return printResult(res, err)

	case "cdp_eval":
		res, err := client.CDPEval(ctx, rest)
		return printResult(res, err)

	case "subscribe":
		if err := client.Subscribe(ctx, rest); err != nil {
			return err
		}
		fmt.Printf("subscribed to tab %q\n", rest)
		return nil

	default:
		return fmt.Errorf("unrecognized command: %s", cmd)
	}
}

func printResult(v interface{}, err error) error {
	if err != nil {
		return err
	}
	out, marshalErr := json.MarshalIndent(v, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(out))
	return nil
}
