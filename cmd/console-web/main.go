// ABOUTME: Entry point for console-web, the browser admin console for the widget backend
// ABOUTME: Serves guarded pages, session endpoints and metrics until interrupted

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/widget-console/internal/config"
	"github.com/2389/widget-console/internal/console"
	"github.com/2389/widget-console/internal/logging"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/webconsole"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _     _            _
__      _(_) __| | __ _  ___| |_       ___ ___  _ __  ___  ___ | | ___
\ \ /\ / / |/ _' |/ _' |/ _ \ __|____ / __/ _ \| '_ \/ __|/ _ \| |/ _ \
 \ V  V /| | (_| | (_| |  __/ ||_____| (_| (_) | | | \__ \ (_) | |  __/
  \_/\_/ |_|\__,_|\__, |\___|\__|     \___\___/|_| |_|___/\___/|_|\___|
                  |___/
`

type options struct {
	configPath string
	addr       string
	baseURL    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "console-web",
		Short:         "Serve the widget admin console",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVar(&o.configPath, "config", "", "config file (default: $"+config.EnvConfigPath+", ./console.yaml, XDG config dir)")
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address, overrides web.addr")
	cmd.Flags().StringVar(&o.baseURL, "base-url", "", "backend base URL, overrides backend.base_url")
	return cmd
}

func runServe(ctx context.Context, o options) error {
	color.New(color.FgCyan).Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath := config.FindConfigPath(o.configPath)
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if o.addr != "" {
		cfg.Web.Addr = o.addr
	}
	if o.baseURL != "" {
		cfg.Backend.BaseURL = o.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	if configPath == "" {
		configPath = "(defaults)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Backend.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Store.Driver)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      http://%s\n", cfg.Web.Addr)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if !cfg.Web.CookieSecure {
		yellow.Println("    ! cookies are not marked Secure; put the console behind TLS in production")
	}
	fmt.Println()

	flashes := notify.NewQueue(30*time.Second, 50)
	defer flashes.Close()

	c, err := console.New(cfg, logger, console.Options{Notifier: flashes})
	if err != nil {
		return fmt.Errorf("creating console: %w", err)
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		logger.Warn("session restore failed", "error", err)
	}

	webOpts := webconsole.Options{CookieSecure: cfg.Web.CookieSecure, HelpDir: cfg.Web.HelpDir}
	if cfg.Metrics.Enabled {
		webOpts.MetricsPath = cfg.Metrics.Path
	}
	web, err := webconsole.New(c, flashes, webOpts, logger)
	if err != nil {
		return fmt.Errorf("creating web console: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Web.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Web.Addr, err)
	}
	srv := &http.Server{
		Handler:           web,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stopClock := context.WithCancel(ctx)
	defer stopClock()
	go c.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting console-web", "addr", ln.Addr().String(), "backend", cfg.Backend.BaseURL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "error", serveErr)
		}
	}
	stopClock()

	// The parent context is already canceled here
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("console-web stopped")
	return serveErr
}
