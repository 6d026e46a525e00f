// ABOUTME: Entry point for console-admin, the command-line client for the widget console backend
// ABOUTME: Loads config, wires the console and dispatches cobra subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/widget-console/internal/config"
	"github.com/2389/widget-console/internal/console"
	"github.com/2389/widget-console/internal/logging"
	"github.com/2389/widget-console/internal/notify"
)

// version is set by goreleaser at build time.
var version = "dev"

// app carries global flags and the console shared by every subcommand.
type app struct {
	configPath string
	baseURL    string
	store      string
	verbose    bool

	cfg     *config.Config
	console *console.Console
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	// Post-run hooks are skipped when a command fails
	_ = a.teardown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "console-admin",
		Short:   "Sign in to the widget console backend and inspect your session",
		Version: version,
		Long: `console-admin talks to the chat widget admin backend.

It keeps your session between runs, checks what your account may do and
warns you before your session expires.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: $"+config.EnvConfigPath+", ./console.yaml, XDG config dir)")
	flags.StringVar(&a.baseURL, "base-url", "", "backend base URL, overrides backend.base_url")
	flags.StringVar(&a.store, "store", "", "token store: memory, file[:DIR] or sqlite:PATH")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		registerCmd(a),
		meCmd(a),
		statusCmd(a),
		refreshCmd(a),
		canCmd(a),
		hasRoleCmd(a),
		forgotPasswordCmd(a),
		resetPasswordCmd(a),
		watchCmd(a),
	)
	return root
}

// setup loads config, applies flag overrides and restores the saved session.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(config.FindConfigPath(a.configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.baseURL != "" {
		cfg.Backend.BaseURL = a.baseURL
	}
	if a.store != "" {
		sc, err := parseStoreFlag(a.store)
		if err != nil {
			return err
		}
		cfg.Store = sc
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	} else if cfg.Logging.Level == "info" {
		// Keep routine component logs out of interactive output
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	// Metrics are only scraped from console-web
	cfg.Metrics.Enabled = false

	logger := logging.New(cfg.Logging, cmd.ErrOrStderr())
	c, err := console.New(cfg, logger, console.Options{Notifier: notify.NewConsole(cmd.ErrOrStderr())})
	if err != nil {
		return err
	}
	a.cfg, a.console = cfg, c

	// A failed restore is reported by the manager; commands still run
	_ = c.Start(cmd.Context())
	return nil
}

func (a *app) teardown() error {
	if a.console == nil {
		return nil
	}
	c := a.console
	a.console = nil
	return c.Close()
}

// parseStoreFlag turns "sqlite:/path/db" or "file:/dir" into a store config.
func parseStoreFlag(v string) (config.StoreConfig, error) {
	driver, path, _ := strings.Cut(v, ":")
	switch driver {
	case config.DriverMemory:
		return config.StoreConfig{Driver: driver}, nil
	case config.DriverFile:
		sc := config.StoreConfig{Driver: driver}
		if path != "" {
			sc.Path = filepath.Join(path, "session.json")
			sc.SessionPath = filepath.Join(path, "session.runtime.json")
		}
		return sc, nil
	case config.DriverSQLite:
		if path == "" {
			return config.StoreConfig{}, fmt.Errorf("--store sqlite needs a path, e.g. sqlite:%s", "tokens.db")
		}
		return config.StoreConfig{Driver: driver, Path: path}, nil
	default:
		return config.StoreConfig{}, fmt.Errorf("unknown --store driver %q (want memory, file or sqlite)", driver)
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	gray   = color.New(color.FgHiBlack)
)

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", green.Sprint("✓"), fmt.Sprintf(format, args...))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", yellow.Sprint("!"), fmt.Sprintf(format, args...))
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", gray.Sprintf("%-12s", label+":"), value)
}
