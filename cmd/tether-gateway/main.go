// ABOUTME: Entry point for the tether-gateway control plane
// ABOUTME: Serve, init, health, and pairing administration subcommands

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/tether-gateway/internal/audit"
	"github.com/2389/tether-gateway/internal/auth"
	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/gateway"
	"github.com/2389/tether-gateway/internal/pairing"
	"github.com/2389/tether-gateway/internal/proclock"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _       _   _
| |_ ___| |_| |__   ___ _ __
| __/ _ \ __| '_ \ / _ \ '__|
| ||  __/ |_| | | |  __/ |
 \__\___|\__|_| |_|\___|_|    gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: TETHER_CONFIG env var > XDG_CONFIG_HOME/tether/gateway.yaml > ~/.config/tether/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tether", "gateway.yaml")
}

// getDataPath returns the tether data directory.
// Priority: XDG_DATA_HOME/tether > ~/.local/share/tether
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tether")
}

func main() {
	// Secrets may live in a local .env during development.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: tether-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the gateway server")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  health                      Check gateway health")
		fmt.Println("  pairings list               List pending requests and paired devices")
		fmt.Println("  pairings approve <id>       Approve a pending pairing request")
		fmt.Println("  pairings reject <id>        Reject a pending pairing request")
		fmt.Println("  pairings rotate <dev> <role>   Rotate a device token")
		fmt.Println("  pairings revoke <dev> <role>   Revoke a device token")
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
	case "pairings":
		err = runPairings(ctx)
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// One gateway per configuration: the lock names the blocking pid
	// when another instance already owns this config.
	lock, err := proclock.Acquire(configPath, proclock.Options{
		Dir:      cfg.Lock.Dir,
		Timeout:  cfg.Lock.Timeout,
		StaleAge: cfg.Lock.StaleAge,
	}, logger)
	if err != nil {
		return fmt.Errorf("acquiring gateway lock: %w", err)
	}
	defer lock.Release()

	pairings, err := pairing.NewStore(cfg.Store.Dir, logger)
	if err != nil {
		return fmt.Errorf("opening pairing store: %w", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Path != "" {
		auditLog, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
	}

	var whois auth.WhoisClient
	if cfg.Server.Exposure == auth.ExposureServe {
		whois = auth.NewLocalWhois()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Exposure: %s\n", cfg.Server.Exposure)
	green.Print("    ▶ ")
	fmt.Printf("Store:    %s\n", cfg.Store.Dir)
	fmt.Println()

	logger.Info("starting tether-gateway",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"exposure", cfg.Server.Exposure,
	)

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Pairings: pairings,
		Whois:    whois,
		AuditLog: auditLog,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/health", scheme, cfg.Server.ListenAddr)
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

	fmt.Println("healthy")
	return nil
}

// runPairings administers the pairing store directly from the files,
// so approvals work whether or not the gateway is running.
func runPairings(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: tether-gateway pairings {list|approve|reject|rotate|revoke}")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := pairing.NewStore(cfg.Store.Dir, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err != nil {
		return fmt.Errorf("opening pairing store: %w", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Path != "" {
		if auditLog, err = audit.Open(cfg.Audit.Path, nil); err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
	}
	record := func(action audit.Action, deviceID string, detail map[string]any) {
		if auditLog != nil {
			auditLog.Record(ctx, action, deviceID, detail)
		}
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	switch os.Args[2] {
	case "list":
		snap := store.List()

		cyan.Println("Pending requests")
		if len(snap.Pending) == 0 {
			gray.Println("  (none)")
		}
		for _, p := range snap.Pending {
			marker := ""
			if p.IsRepair {
				marker = " [repair]"
			}
			fmt.Printf("  %s  device=%s role=%s%s\n", p.RequestID, shortID(p.DeviceID), p.Role, marker)
			gray.Printf("      requested %s", time.UnixMilli(p.CreatedAtMs).Format(time.RFC3339))
			if p.DisplayName != "" {
				gray.Printf("  %q", p.DisplayName)
			}
			fmt.Println()
		}

		fmt.Println()
		cyan.Println("Paired devices")
		if len(snap.Paired) == 0 {
			gray.Println("  (none)")
		}
		for _, d := range snap.Paired {
			fmt.Printf("  %s  roles=%s\n", shortID(d.DeviceID), strings.Join(d.Roles, ","))
			for role, tok := range d.Tokens {
				status := "active"
				if tok.Revoked() {
					status = "revoked"
				}
				gray.Printf("      %s: %s", role, status)
				if tok.LastUsedAtMs > 0 {
					gray.Printf(", last used %s", time.UnixMilli(tok.LastUsedAtMs).Format(time.RFC3339))
				}
				fmt.Println()
			}
		}
		return nil

	case "approve":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: tether-gateway pairings approve <request-id>")
		}
		res, err := store.ApprovePairing(os.Args[3])
		if err != nil {
			return fmt.Errorf("approving pairing: %w", err)
		}
		if res == nil {
			return fmt.Errorf("request %s not found (already handled or expired)", os.Args[3])
		}
		record(audit.ActionPairingApproved, res.Device.DeviceID, map[string]any{"request_id": res.RequestID})
		green.Printf("✓ Approved device %s\n", shortID(res.Device.DeviceID))
		fmt.Printf("  role:  %s\n", res.Token.Role)
		fmt.Printf("  token: %s\n", res.Token.Token)
		return nil

	case "reject":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: tether-gateway pairings reject <request-id>")
		}
		res, err := store.RejectPairing(os.Args[3])
		if err != nil {
			return fmt.Errorf("rejecting pairing: %w", err)
		}
		if res == nil {
			return fmt.Errorf("request %s not found (already handled or expired)", os.Args[3])
		}
		record(audit.ActionPairingRejected, res.DeviceID, map[string]any{"request_id": res.RequestID})
		green.Printf("✓ Rejected request %s\n", res.RequestID)
		return nil

	case "rotate":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: tether-gateway pairings rotate <device-id> <role>")
		}
		tok, err := store.RotateDeviceToken(os.Args[3], os.Args[4])
		if err != nil {
			return fmt.Errorf("rotating token: %w", err)
		}
		if tok == nil {
			return fmt.Errorf("no token for device %s role %s", os.Args[3], os.Args[4])
		}
		record(audit.ActionTokenRotated, os.Args[3], map[string]any{"role": os.Args[4]})
		green.Printf("✓ Rotated token for %s/%s\n", shortID(os.Args[3]), os.Args[4])
		fmt.Printf("  token: %s\n", tok.Token)
		return nil

	case "revoke":
		if len(os.Args) < 5 {
			return fmt.Errorf("usage: tether-gateway pairings revoke <device-id> <role>")
		}
		ok, err := store.RevokeDeviceToken(os.Args[3], os.Args[4])
		if err != nil {
			return fmt.Errorf("revoking token: %w", err)
		}
		if !ok {
			return fmt.Errorf("no token for device %s role %s", os.Args[3], os.Args[4])
		}
		record(audit.ActionTokenRevoked, os.Args[3], map[string]any{"role": os.Args[4]})
		green.Printf("✓ Revoked token for %s/%s\n", shortID(os.Args[3]), os.Args[4])
		return nil

	default:
		return fmt.Errorf("unknown pairings verb: %s", os.Args[2])
	}
}

// shortID trims a device id for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tether-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	listenAddr := prompt(reader, "Listen address", "127.0.0.1:9400")
	exposure := prompt(reader, "Exposure (local/serve)", "local")

	fmt.Println("\n--- Store Configuration ---")
	storeDir := prompt(reader, "State directory", defaultDataPath)
	auditAnswer := prompt(reader, "Enable audit log?", "yes")
	auditEnabled := strings.ToLower(auditAnswer) == "yes" || strings.ToLower(auditAnswer) == "y"

	fmt.Println("\n--- Auth Configuration ---")
	mode := prompt(reader, "Auth mode (token/password)", "token")
	secret := prompt(reader, "Secret (leave empty to use "+auth.EnvToken+")", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# tether-gateway configuration\n")
	cfg.WriteString("# Generated by tether-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  listen_addr: \"%s\"\n", listenAddr))
	cfg.WriteString(fmt.Sprintf("  exposure: \"%s\"\n", exposure))
	cfg.WriteString("\n")

	cfg.WriteString("store:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", storeDir))
	cfg.WriteString("\n")

	if auditEnabled {
		cfg.WriteString("audit:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", filepath.Join(storeDir, "audit.db")))
		cfg.WriteString("\n")
	}

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  mode: \"%s\"\n", mode))
	switch {
	case secret == "":
		cfg.WriteString(fmt.Sprintf("  # %s: \"${%s}\"\n", mode, strings.ToUpper("tether_gateway_"+mode)))
	case mode == "password":
		cfg.WriteString(fmt.Sprintf("  password: \"%s\"\n", secret))
	default:
		cfg.WriteString(fmt.Sprintf("  token: \"%s\"\n", secret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("State directory: %s\n", storeDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  tether-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
