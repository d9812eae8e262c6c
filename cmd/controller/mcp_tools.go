package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"actionplane/internal/controllerclient"
	"actionplane/internal/protocol"
)

// mcpTool mirrors the teacher's Tool contract, retargeted at a browser
// controller client instead of a deductive-reasoning backend.
type mcpTool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// server wires the MCP runtime to one controllerclient.Client, the same
// "one shared backend, many registered tools" shape server.go uses.
type server struct {
	client    *controllerclient.Client
	mcpServer *mcpserver.MCPServer
}

func newMCPServer(client *controllerclient.Client) (*server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		"actionplane-controller",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &server{client: client, mcpServer: mcpSrv}

	s.registerTool(&listTabsTool{client: client})
	s.registerTool(&queryTool{client: client})
	s.registerTool(&actTool{client: client})
	s.registerTool(&navigateTool{client: client})
	s.registerTool(&cdpStatusTool{client: client})
	s.registerTool(&cdpTypeTool{client: client})
	s.registerTool(&cdpKeyTool{client: client})
	s.registerTool(&cdpEvalTool{client: client})

	return s, nil
}

func (s *server) registerTool(tool mcpTool) {
	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	mt := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mt, s.wrapTool(tool))
}

func (s *server) wrapTool(tool mcpTool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			payload = []byte(fmt.Sprintf("%v", result))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

// Start launches the stdio server (the default planner-facing surface).
func (s *server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func getStringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// --- tool implementations ---

type listTabsTool struct{ client *controllerclient.Client }

func (t *listTabsTool) Name() string        { return "list_tabs" }
func (t *listTabsTool) Description() string { return "List every tab the gateway currently tracks." }
func (t *listTabsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *listTabsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.client.ListTabs(ctx)
}

type queryTool struct{ client *controllerclient.Client }

func (t *queryTool) Name() string { return "query" }
func (t *queryTool) Description() string {
	return "Search a tab's current action candidates by free text, role, and tag."
}
func (t *queryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tabId":  map[string]interface{}{"type": "string", "description": "Tab id to search within"},
			"search": map[string]interface{}{"type": "string", "description": "Free-text search term"},
			"role":   map[string]interface{}{"type": "string", "description": "Exact ARIA role filter"},
			"tag":    map[string]interface{}{"type": "string", "description": "Exact HTML tag filter"},
		},
		"required": []string{"tabId"},
	}
}
func (t *queryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tabID := getStringArg(args, "tabId")
	if tabID == "" {
		return nil, fmt.Errorf("tabId is required")
	}
	filters := protocol.Filters{Role: getStringArg(args, "role"), Tag: getStringArg(args, "tag")}
	return t.client.Query(ctx, tabID, getStringArg(args, "search"), filters)
}

type actTool struct{ client *controllerclient.Client }

func (t *actTool) Name() string { return "act" }
func (t *actTool) Description() string {
	return "Submit one command (click, type, hover, scroll, focus, select, move_mouse) for execution and wait for its ack."
}
func (t *actTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tabId":   map[string]interface{}{"type": "string"},
			"command": map[string]interface{}{"type": "object", "description": "A Command object, e.g. {\"type\":\"click\",\"id\":\"a_0\"}"},
		},
		"required": []string{"tabId", "command"},
	}
}
func (t *actTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tabID := getStringArg(args, "tabId")
	raw, ok := args["command"]
	if tabID == "" || !ok {
		return nil, fmt.Errorf("tabId and command are required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	var cmd protocol.Command
	if err := json.Unmarshal(encoded, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}
	cmd.TabID = tabID
	if cmd.CommandID == "" {
		cmd.CommandID = protocol.NewCommandID()
	}
	return t.client.Act(ctx, cmd)
}

type navigateTool struct{ client *controllerclient.Client }

func (t *navigateTool) Name() string        { return "navigate" }
func (t *navigateTool) Description() string { return "Navigate the remote-debugging collaborator's page to a URL." }
func (t *navigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"url": map[string]interface{}{"type": "string"}},
		"required":   []string{"url"},
	}
}
func (t *navigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	return t.client.Navigate(ctx, url)
}

type cdpStatusTool struct{ client *controllerclient.Client }

func (t *cdpStatusTool) Name() string        { return "cdp_status" }
func (t *cdpStatusTool) Description() string { return "Report whether the remote-debugging collaborator is connected." }
func (t *cdpStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *cdpStatusTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.client.CDPStatus(ctx)
}

type cdpTypeTool struct{ client *controllerclient.Client }

func (t *cdpTypeTool) Name() string        { return "cdp_type" }
func (t *cdpTypeTool) Description() string { return "Type text into whatever element currently has focus, via the remote-debugging collaborator." }
func (t *cdpTypeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (t *cdpTypeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	text := getStringArg(args, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	return t.client.CDPType(ctx, text)
}

type cdpKeyTool struct{ client *controllerclient.Client }

func (t *cdpKeyTool) Name() string        { return "cdp_key" }
func (t *cdpKeyTool) Description() string { return "Press one named key (Enter, Tab, ArrowDown, ...) via the remote-debugging collaborator." }
func (t *cdpKeyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"key": map[string]interface{}{"type": "string"}},
		"required":   []string{"key"},
	}
}
func (t *cdpKeyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	key := getStringArg(args, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	return t.client.CDPKey(ctx, key)
}

type cdpEvalTool struct{ client *controllerclient.Client }

func (t *cdpEvalTool) Name() string { return "cdp_eval" }
func (t *cdpEvalTool) Description() string {
	return "Evaluate a raw JavaScript expression in the remote-debugging collaborator's page and return its value."
}
func (t *cdpEvalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"expression": map[string]interface{}{"type": "string"}},
		"required":   []string{"expression"},
	}
}
func (t *cdpEvalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	expr := getStringArg(args, "expression")
	if expr == "" {
		return nil, fmt.Errorf("expression is required")
	}
	return t.client.CDPEval(ctx, expr)
}
