// Command gateway runs the broker between perception agents and
// controllers: two websocket endpoints, the command pipeline, the optional
// remote-debugging collaborator, and the HTTP read surface of spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionplane/internal/cdp"
	"actionplane/internal/config"
	"actionplane/internal/gateway"
	"actionplane/internal/mangle"
	"actionplane/internal/policy"
	"actionplane/internal/policyaudit"
	"actionplane/internal/worldstate"
)

func main() {
	configPath := flag.String("config", "", "Path to the actionplane config file (overrides workspace config)")
	listenPort := flag.Int("listen-port", 0, "Optional listen port override (falls back to config)")
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
	if *listenPort != 0 {
		cfg.Gateway.ListenPort = *listenPort
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

	mangleEngine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		log.Fatalf("failed to initialize mangle engine: %v", err)
	}

	var auditSink policy.AuditSink
	if cfg.Mangle.Enable {
		auditSink = policyaudit.NewMangleAuditSink(mangleEngine)
	}
	policyEngine := policy.NewEngine(cfg.Policy.ToPolicyConfig(), auditSink)

	world := worldstate.NewStore()
	gw := gateway.New(world, policyEngine)
	if cfg.Mangle.Enable {
		gw.Audit = mangleEngine
	}

	if cfg.Browser.DebuggerURL != "" {
		debugger, err := cdp.Connect(cfg.Browser.DebuggerURL)
		if err != nil {
			log.Printf("[gateway] remote-debugging collaborator unavailable: %v", err)
		} else {
			gw.CDP = debugger
			defer debugger.Close()
			log.Printf("[gateway] remote-debugging collaborator connected at %s", cfg.Browser.DebuggerURL)
		}
	} else {
		log.Printf("[gateway] no browser.debugger_url configured; cdp_* requests will fail until one is")
	}

	mux := http.NewServeMux()
	gw.RegisterHTTP(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.ListenHost, cfg.Gateway.ListenPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[gateway] listening on %s (remote_debug_port=%d)", addr, cfg.Gateway.RemoteDebugPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway exited with error: %v", err)
	}
}
