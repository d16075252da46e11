// ABOUTME: Entry point for coven-fleet, the fleet orchestration control plane
// ABOUTME: Subcommands: serve, probe, restart, history, token, version

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-fleet/internal/auth"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/core"
	"github.com/2389/coven-fleet/internal/fleet"
)

// version is set at build time via -ldflags.
var version = "dev"

const banner = `
                                       __ _           _
  ___ _____   _____ _ __              / _| | ___  ___| |_
 / __/ _ \ \ / / _ \ '_ \   _____   | |_| |/ _ \/ _ \ __|
| (_| (_) \ V /  __/ | | | |_____|  |  _| |  __/  __/ |_
 \___\___/ \_/ \___|_| |_|          |_| |_|\___|\___|\__|
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-fleet <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the control plane")
	fmt.Fprintln(w, "  probe                  Probe every target once and print the roster")
	fmt.Fprintln(w, "  restart <target-id>    Stop, settle, start and re-probe one target")
	fmt.Fprintln(w, "  history                Print the persisted execution history")
	fmt.Fprintln(w, "  token --subject NAME   Mint a control API bearer token")
	fmt.Fprintln(w, "  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "probe":
		err = runProbe(ctx, args)
	case "restart":
		err = runRestart(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "token":
		err = runToken(args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "config file (default $COVEN_FLEET_CONFIG or ~/.config/coven/fleet.yaml)")
	return fs, configPath
}

func loadConfig(flagPath string) (*config.Config, string, error) {
	path := config.ResolvePath(flagPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}

	logger, logFile := setupLogger(cfg.Logging)
	defer logFile.Close()
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Targets:   %d\n", len(cfg.Fleet.Targets))
	if cfg.Ingest.URL == "" {
		yellow.Print("    ! ")
		fmt.Println("No push channel configured (ingest.url)")
	}
	fmt.Println()

	logger.Info("starting coven-fleet",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"targets", len(cfg.Fleet.Targets),
	)

	c, err := core.New(ctx, cfg, configPath, logger)
	if err != nil {
		return fmt.Errorf("creating control plane: %w", err)
	}
	return c.Run(ctx)
}

// openCore builds the components for a one-shot command with warn-level logging.
func openCore(ctx context.Context, configFlag string) (*core.Core, error) {
	cfg, configPath, err := loadConfig(configFlag)
	if err != nil {
		return nil, err
	}

	logger, _ := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	return core.New(ctx, cfg, configPath, logger)
}

func runProbe(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("probe")
	asJSON := fs.Bool("json", false, "print the roster as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := openCore(ctx, *configFlag)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	targets := c.Prober().ProbeAll(ctx)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(targets)
	}
	printTargets(os.Stdout, targets)
	return nil
}

func runRestart(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("restart")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: coven-fleet restart <target-id>")
	}
	id := fs.Arg(0)

	c, err := openCore(ctx, *configFlag)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	fmt.Printf("restarting %s...\n", id)
	res := c.Prober().Restart(ctx, id)
	if !res.OK {
		return fmt.Errorf("restart %s failed: %s", id, res.Error)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("%s restarted\n", id)
	if t, ok := c.Prober().Get(id); ok {
		printTargets(os.Stdout, []fleet.Target{t})
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("history")
	limit := fs.IntP("limit", "n", 0, "show at most this many executions (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := openCore(ctx, *configFlag)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	history := c.Engine().History()
	if *limit > 0 && len(history) > *limit {
		history = history[:*limit]
	}
	printHistory(os.Stdout, history)
	return nil
}

func runToken(args []string) error {
	fs, configFlag := newFlagSet("token")
	subject := fs.StringP("subject", "s", "", "token subject (required)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, _, err := loadConfig(*configFlag)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
