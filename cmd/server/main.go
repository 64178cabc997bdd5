package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/lan-relay/internal/client"
	"github.com/skypro1111/lan-relay/internal/config"
	"github.com/skypro1111/lan-relay/internal/metrics"
	"github.com/skypro1111/lan-relay/internal/registry"
	"github.com/skypro1111/lan-relay/internal/server"
	"github.com/skypro1111/lan-relay/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	serviceName       = "lan-relay"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

// CLI flags
var (
	configPath  string
	envFile     string
	bindAddress string
	controlPort int
	mediaPort   int
	httpPort    int
	logLevel    string

	probeAddress  string
	probeIdentity string
	probeTimeout  time.Duration
)

var (
	rootCmd = &cobra.Command{
		Use:           serviceName,
		Short:         "LAN conferencing relay",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the control server, media relay and monitoring API",
		RunE:  runServe,
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Register with a running relay and print the room state",
		RunE:  runProbe,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	flags.StringVar(&envFile, "env-file", defaultEnvFile, "Path to .env file")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&bindAddress, "bind", "", "Bind address for control and media sockets")
		cmd.Flags().IntVar(&controlPort, "control-port", 0, "TCP control port")
		cmd.Flags().IntVar(&mediaPort, "media-port", 0, "UDP media port")
		cmd.Flags().IntVar(&httpPort, "http-port", 0, "Monitoring API port (enables the API)")
		cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	}

	probeCmd.Flags().StringVar(&probeAddress, "address", "", "Control address of the relay (default from config)")
	probeCmd.Flags().StringVar(&probeIdentity, "identity", "probe", "Identity to register as")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "Dial and registration timeout")

	rootCmd.AddCommand(serveCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// loadConfig loads the .env file, the YAML config and environment overrides,
// then applies any flags given on the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	path := configPath
	if !cmd.Flags().Changed("config") {
		// The default config file is optional
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Server.BindAddress = bindAddress
	}
	if flags.Changed("control-port") {
		cfg.Server.ControlPort = controlPort
	}
	if flags.Changed("media-port") {
		cfg.Server.MediaPort = mediaPort
	}
	if flags.Changed("http-port") {
		cfg.HTTP.Port = httpPort
		cfg.HTTP.Enabled = true
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("control_port", cfg.Server.ControlPort),
		slog.Int("media_port", cfg.Server.MediaPort),
		slog.String("max_frame_size", humanize.IBytes(uint64(cfg.Control.MaxFrameBytes))),
		slog.Duration("send_timeout", cfg.Control.GetSendTimeout()),
		slog.Duration("register_timeout", cfg.Control.GetRegisterTimeout()),
		slog.Bool("verify_source", cfg.Media.VerifySource),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)

	participants := registry.New()
	state := session.New()
	hub := server.NewHub(participants, state, logger, appMetrics, server.HubConfig{
		SendTimeout:            cfg.Control.GetSendTimeout(),
		EnforcePresenterFrames: cfg.Control.EnforcePresenterFrames,
	})

	controlServer := server.NewControlServer(cfg, logger, hub, appMetrics)
	mediaRelay := server.NewMediaRelay(cfg, logger, participants, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, hub, controlServer, mediaRelay, appMetrics)
	}

	if err := mediaRelay.Start(); err != nil {
		return fmt.Errorf("failed to start media relay: %w", err)
	}
	if err := controlServer.Start(); err != nil {
		mediaRelay.Stop()
		return fmt.Errorf("failed to start control server: %w", err)
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			controlServer.Stop()
			mediaRelay.Stop()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("control_address", controlServer.Addr().String()),
		slog.String("media_address", mediaRelay.Addr().String()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting monitoring requests first, then the relay sockets together
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	var g errgroup.Group
	g.Go(controlServer.Stop)
	g.Go(mediaRelay.Stop)
	if err := g.Wait(); err != nil {
		logger.Error("Error stopping relay", slog.String("error", err.Error()))
	}

	room := hub.Snapshot()
	controlStats := controlServer.GetStatistics()
	mediaStats := mediaRelay.GetStatistics()
	logger.Info("Final relay statistics",
		slog.Uint64("connections_accepted", controlStats.ConnectionsAccepted),
		slog.Uint64("frames_received", controlStats.FramesReceived),
		slog.Uint64("datagrams_received", mediaStats.DatagramsReceived),
		slog.Uint64("datagram_copies_sent", mediaStats.CopiesSent),
		slog.Int("chat_messages", room.ChatMessages),
		slog.Int("files", len(room.Files)),
		slog.String("file_bytes", humanize.IBytes(uint64(room.FileBytes))),
	)

	logger.Info("Service stopped")
	return nil
}

// runProbe joins the room briefly and prints what a new participant sees.
// Other participants observe the probe joining and leaving.
func runProbe(cmd *cobra.Command, _ []string) error {
	address := probeAddress
	if address == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		address = cfg.Server.ControlAddress()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	c, err := client.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return err
	}

	// The probe never reads media, so any non-zero port will do
	registered, err := c.Register(probeIdentity, 9)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	out := cmd.OutOrStdout()
	presenter := "none"
	if registered.Presenter != nil {
		presenter = *registered.Presenter
	}
	fmt.Fprintf(out, "relay:         %s\n", address)
	fmt.Fprintf(out, "participants:  %s\n", strings.Join(registered.Users, ", "))
	fmt.Fprintf(out, "presenter:     %s\n", presenter)
	fmt.Fprintf(out, "chat messages: %s\n", humanize.Comma(int64(len(registered.ChatHistory))))

	if len(registered.ChatHistory) > 0 {
		fmt.Fprintln(out)
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Time", "Username", "Message"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		for _, entry := range registered.ChatHistory {
			table.Append([]string{entry.Timestamp, entry.Username, entry.Message})
		}
		table.Render()
	}

	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
