// ABOUTME: Entry point for the baton conductor: the orchestration server
// ABOUTME: plus small operator subcommands (init, health, agents, token).

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/batonhq/baton/internal/agent"
	"github.com/batonhq/baton/internal/auth"
	"github.com/batonhq/baton/internal/bus"
	"github.com/batonhq/baton/internal/config"
	"github.com/batonhq/baton/internal/connpool"
	"github.com/batonhq/baton/internal/dedupe"
	"github.com/batonhq/baton/internal/notify"
	"github.com/batonhq/baton/internal/persist"
	"github.com/batonhq/baton/internal/protocol"
	"github.com/batonhq/baton/internal/router"
	"github.com/batonhq/baton/internal/server"
	"github.com/batonhq/baton/internal/store"
	"github.com/batonhq/baton/internal/task"
	"github.com/batonhq/baton/internal/template"
	"github.com/batonhq/baton/internal/terminal"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _           _
 | |__   __ _| |_ ___  _ __
 | '_ \ / _' | __/ _ \| '_ \
 | |_) | (_| | || (_) | | | |
 |_.__/ \__,_|\__\___/|_| |_|
`

// getConfigPath returns the path to the conductor config file.
// Priority: BATON_CONFIG env var > ./baton.yaml > ~/.config/baton/baton.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BATON_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("baton.yaml"); err == nil {
		return "baton.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "baton.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "baton", "baton.yaml")
}

// loadConfig loads the config file, falling back to defaults when none
// exists yet.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: baton <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve         Start the conductor server")
		fmt.Println("  init          Write a starter config file")
		fmt.Println("  health        Check conductor health")
		fmt.Println("  agents        List agents and queue status")
		fmt.Println("  token         Mint a connection token")
		fmt.Println("  version       Print version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "token":
		err = runToken()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	dataDir := filepath.Join(cfg.Data.Dir, cfg.Data.Session)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Session:  %s\n", dataDir)
	green.Print("    ▶ ")
	fmt.Printf("Auth:     %v\n", cfg.Auth.TokenSecret != "")
	fmt.Println()

	events := bus.New(logger)
	defer events.Close()

	ledger, err := store.NewLedger(filepath.Join(dataDir, "events.db"), logger)
	if err != nil {
		return fmt.Errorf("opening event ledger: %w", err)
	}
	defer ledger.Close()

	recorder := store.NewRecorder(events, ledger, logger)
	defer recorder.Stop()

	roster, err := persist.NewRoster(dataDir)
	if err != nil {
		return fmt.Errorf("opening roster: %w", err)
	}
	msgLog, err := persist.NewMessageLog(dataDir, persist.LogOptions{
		MaxSegmentBytes: cfg.Queue.MaxLogSegmentBytes,
		HistoryLimit:    cfg.Queue.HistoryLimit,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}

	registry := template.NewRegistry()
	for i := range cfg.Templates {
		if err := registry.Register(&cfg.Templates[i]); err != nil {
			return fmt.Errorf("registering template %q: %w", cfg.Templates[i].ID, err)
		}
	}

	manager := agent.NewManager(agent.Config{
		Templates: registry,
		Terminals: terminal.NewExecFactory(),
		Roster:    roster,
		Events:    events,
		Logger:    logger,
		DefaultTerminal: terminal.Config{
			Command: cfg.Agents.DefaultCommand,
			Args:    cfg.Agents.DefaultArgs,
		},
		MaxAgents: cfg.Agents.MaxAgents,
	})

	queue := task.NewQueue(task.Config{
		Templates: registry,
		Agents:    manager,
		Notifier:  notify.NewLogNotifier(logger),
		Events:    events,
		Logger:    logger,
	})

	pool := connpool.New(logger)
	seen := dedupe.New(0, 0)
	defer seen.Close()

	rtr := router.New(router.Config{
		Manager: manager,
		Queue:   queue,
		Pool:    pool,
		Seen:    seen,
		Log:     msgLog,
		Events:  events,
		Logger:  logger,
	})
	defer rtr.Stop()

	var verifier auth.Verifier
	if cfg.Auth.TokenSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
	}

	srv := server.New(server.Config{
		Bind:     cfg.Server.Bind,
		Port:     cfg.Server.Port,
		Verifier: verifier,
		Logger:   logger,
	}, pool, rtr)

	rtr.WatchLiveness(ctx, cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatTimeout)

	restored, err := manager.RestoreAgents(ctx)
	if err != nil {
		logger.Warn("roster restore failed", "error", err)
	} else if restored > 0 {
		logger.Info("restored agents from previous session", "count", restored)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("baton conductor running", "port", srv.Status().Port)

	<-ctx.Done()
	logger.Info("shutting down")
	return srv.Stop(context.Background())
}

const starterConfig = `server:
  bind: 127.0.0.1
  port: 8420

# auth:
#   token_secret: ${BATON_TOKEN_SECRET}

data:
  dir: .baton
  session: default

agents:
  default_command: baton-agent
  max_agents: 16
  heartbeat_interval: 30s
  heartbeat_timeout: 90s

logging:
  level: info
  format: text
`

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/healthz", hostOrLocal(cfg.Server.Bind), cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("healthy %s\n", string(body))
	return nil
}

// runAgents dials the conductor, asks for a status report, and prints it.
func runAgents(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("ws://%s:%d/ws", hostOrLocal(cfg.Server.Bind), cfg.Server.Port)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if token := os.Getenv("BATON_TOKEN"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("connecting to conductor: %w", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(protocol.MustEnvelope(protocol.QueryStatus, nil)); err != nil {
		return fmt.Errorf("sending status query: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("reading status reply: %w", err)
		}
		if env.Type != protocol.QueryStatus {
			continue
		}
		var report protocol.StatusReport
		if err := env.Decode(&report); err != nil {
			return err
		}
		printReport(report)
		return nil
	}
}

func printReport(report protocol.StatusReport) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Printf("%d agent(s), %d queued, %d active\n\n", len(report.Agents), report.QueuedTasks, report.ActiveTasks)
	for _, a := range report.Agents {
		var c *color.Color
		switch a.Status {
		case "idle":
			c = color.New(color.FgGreen)
		case "working":
			c = color.New(color.FgCyan)
		case "error":
			c = color.New(color.FgRed)
		default:
			c = color.New(color.FgHiBlack)
		}
		c.Printf("  ● %-10s", a.Status)
		fmt.Printf(" %s", a.Name)
		gray.Printf("  [%s]", a.Type)
		if a.CurrentTask != "" {
			gray.Printf("  task=%s", a.CurrentTask)
		}
		gray.Printf("  done=%d", a.TasksCompleted)
		fmt.Println()
	}
}

// runToken mints a bearer token from the configured secret.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "operator", "client id (sub claim)")
	role := fs.String("role", "operator", "role claim: operator or agent")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.TokenSecret))
	token, err := verifier.Generate(auth.Identity{ClientID: *sub, Role: auth.Role(*role)}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	out, _ := json.Marshal(map[string]string{"token": token, "sub": *sub, "role": *role})
	fmt.Println(string(out))
	return nil
}

func hostOrLocal(bind string) string {
	if bind == "" || bind == "0.0.0.0" {
		return "127.0.0.1"
	}
	return bind
}
