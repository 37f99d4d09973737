package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-rr"
	"github.com/glimte/mmate-rr/internal/config"
	"github.com/glimte/mmate-rr/internal/httpapi"
	"github.com/glimte/mmate-rr/internal/logging"
	"github.com/glimte/mmate-rr/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// flags override values from the config file when set
type flags struct {
	configPath string
	brokerURL  string
	logLevel   string
	logFormat  string
	addr       string
	queue      string
	timeout    time.Duration
	transacted bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-rr",
		Short: "Synchronous request/reply over a message broker",
		Long: `mmate-rr sends requests over an AMQP broker and waits a bounded time for the
correlated reply. It can also run the backend that answers those requests.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&f.brokerURL, "url", "u", "", "Broker URL (amqp://, amqps:// or memory://)")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringVarP(&f.queue, "queue", "q", "", "Directory name of the request queue")
	rootCmd.PersistentFlags().BoolVar(&f.transacted, "transacted", false, "Use transacted sessions")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP entry point, and the reply server if enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}
	serveCmd.Flags().StringVarP(&f.addr, "addr", "a", "", "HTTP listen address")

	backendCmd := &cobra.Command{
		Use:   "backend",
		Short: "Run only the reply server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(cmd, f)
		},
	}

	callCmd := &cobra.Command{
		Use:   "call [payload]",
		Short: "Send one request and print the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := httpapi.DefaultPayload
			if len(args) == 1 {
				payload = args[0]
			}
			return runCall(cmd, f, payload)
		},
	}
	callCmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "Reply timeout (default from config)")

	rootCmd.AddCommand(serveCmd, backendCmd, callCmd)
	return rootCmd
}

// loadConfig reads the config file, then applies flags set on cmd
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.Broker.URL = f.brokerURL
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("queue") {
		cfg.Client.RequestQueue = f.queue
		cfg.Server.RequestQueue = f.queue
	}
	if changed("transacted") {
		cfg.Client.Transacted = f.transacted
		cfg.Server.Transacted = f.transacted
	}
	if changed("addr") {
		cfg.HTTP.Addr = f.addr
	}
	if changed("timeout") {
		cfg.Client.Timeout = f.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, f *flags, serverEnabled *bool) (*mmate.Client, *config.Config, func(), error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, nil, nil, err
	}
	if serverEnabled != nil {
		cfg.Server.Enabled = *serverEnabled
	}

	logOpts := cfg.Log.Options()
	logOpts.Output = cmd.ErrOrStderr()
	logger, closeLog, err := logging.New(logOpts)
	if err != nil {
		return nil, nil, nil, err
	}

	client, err := mmate.NewClient(cfg, mmate.WithLogger(logger))
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
		_ = closeLog()
	}
	return client, cfg, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, f *flags) error {
	ctx, stop := signalContext()
	defer stop()

	client, cfg, cleanup, err := setup(cmd, f, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.StartServer(ctx); err != nil {
		return fmt.Errorf("failed to start reply server: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      client.HTTPHandler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl+C to stop\n", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runBackend(cmd *cobra.Command, f *flags) error {
	ctx, stop := signalContext()
	defer stop()

	enabled := true
	client, _, cleanup, err := setup(cmd, f, &enabled)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.StartServer(ctx); err != nil {
		return fmt.Errorf("failed to start reply server: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Reply server running. Press Ctrl+C to stop")
	<-ctx.Done()
	return nil
}

func runCall(cmd *cobra.Command, f *flags, payload string) error {
	ctx, stop := signalContext()
	defer stop()

	client, _, cleanup, err := setup(cmd, f, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.StartServer(ctx); err != nil {
		return fmt.Errorf("failed to start reply server: %w", err)
	}

	result, err := client.Call(ctx, []byte(payload), 0)
	return printResult(cmd.OutOrStdout(), result, err)
}

var errNoReply = errors.New("no reply received")

// printResult writes the same rendering as the HTTP entry point
func printResult(w io.Writer, result *messaging.Result, err error) error {
	switch {
	case err != nil:
		fmt.Fprintln(w, httpapi.RenderError(err))
		return err
	case !result.Received():
		fmt.Fprintln(w, httpapi.RenderNoReply())
		return errNoReply
	default:
		fmt.Fprintln(w, httpapi.RenderReply(result))
		return nil
	}
}
