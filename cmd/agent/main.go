// Command agent drives one browser tab over the Chrome DevTools Protocol
// and relays its perception/executor state to a gateway over one websocket
// link, per spec.md §4.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	browserdriver "actionplane/internal/browserdriver"
	"actionplane/internal/config"
	"actionplane/internal/executor"
	"actionplane/internal/perception"
	"actionplane/internal/protocol"
	"actionplane/internal/transport"
)

// snapshotAdapter answers the transport's request_snapshot by reading the
// engine's current candidate set rather than forcing a fresh extraction,
// since that set is already kept within one debounce window of live.
type snapshotAdapter struct {
	engine   *perception.Engine
	viewport protocol.Viewport
	url      string
}

func (s *snapshotAdapter) ForceSnapshot(ctx context.Context) (protocol.SnapshotMessage, error) {
	return s.engine.CurrentSnapshot(s.viewport, s.url), nil
}

func main() {
	configPath := flag.String("config", "", "Path to the actionplane config file (overrides workspace config)")
	gatewayURL := flag.String("gateway-url", "", "Gateway agent websocket endpoint (e.g. ws://localhost:9333/agent); overrides config-derived default")
	startURL := flag.String("url", "about:blank", "Initial URL to navigate the driven tab to")
	noWorkspace := flag.Bool("no-workspace", false, "Disable .actionplane/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root (skip walk-up discovery)")
	initWorkspace := flag.Bool("init-workspace", false, "Create .actionplane/ template in current directory and exit")
	flag.Parse()

	if *initWorkspace {
		root := "."
		if *workspaceDir != "" {
			root = *workspaceDir
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("created .actionplane/ workspace in %s", root)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.WorkspaceOptions{Disable: *noWorkspace, ExplicitDir: *workspaceDir}
	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if wsDir != "" {
		log.Printf("using workspace config from %s", wsDir)
	}

	if cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	gwURL := *gatewayURL
	if gwURL == "" {
		gwURL = "ws://127.0.0.1:9333/agent"
	}

	sessionManager := browserdriver.NewSessionManager(cfg.Browser)
	if err := sessionManager.Start(); err != nil {
		log.Fatalf("failed to start browser: %v", err)
	}
	defer sessionManager.Shutdown()

	meta, tab, err := sessionManager.CreateSession(*startURL)
	if err != nil {
		log.Fatalf("failed to create browser session: %v", err)
	}
	tabID := meta.TargetID

	viewport := protocol.Viewport{Width: cfg.Browser.GetViewportWidth(), Height: cfg.Browser.GetViewportHeight()}

	engine := perception.NewEngine(tabID, tab)
	exec := executor.New(tab, tab, viewport)

	tr := transport.NewAgentTransport(gwURL, tabID, exec, &snapshotAdapter{engine: engine, viewport: viewport, url: *startURL})

	initial, updates, err := engine.Start(ctx, viewport, *startURL)
	if err != nil {
		log.Fatalf("failed to start perception engine: %v", err)
	}
	tab.UpdateCandidates(initial.Snapshot.Candidates)

	tr.Send(protocol.HelloMessage{
		Type:     protocol.MsgHello,
		TabID:    tabID,
		URL:      *startURL,
		Viewport: viewport,
	})
	tr.Send(*initial.Snapshot)

	go func() {
		for emission := range updates {
			switch {
			case emission.Snapshot != nil:
				tab.UpdateCandidates(emission.Snapshot.Candidates)
				tr.Send(*emission.Snapshot)
			case emission.Delta != nil:
				tab.UpdateCandidates(emission.Delta.Added)
				tab.ApplyCandidateDeltas(emission.Delta.Updated)
				tab.RemoveCandidates(emission.Delta.Removed)
				tr.Send(*emission.Delta)
			case emission.Event != nil:
				tr.Send(*emission.Event)
			}
		}
	}()

	log.Printf("[agent] driving tab %s (%s) against gateway %s", tabID, *startURL, gwURL)
	tr.Run(ctx)
}
