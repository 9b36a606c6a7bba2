// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/trackline/internal/api/connect"
	"github.com/osa030/trackline/internal/app/placement"
	"github.com/osa030/trackline/internal/app/session"
	"github.com/osa030/trackline/internal/infra/audio"
	"github.com/osa030/trackline/internal/infra/config"
	"github.com/osa030/trackline/internal/infra/logger"
)

var (
	app        = kingpin.New("trackline-server", "trackline multi-track timeline server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
	logFormat  = app.Flag("log-format", "Console log format").Default("console").Enum("console", "json")

	// list-rules command
	listRulesCmd = app.Command("list-rules", "List available placement rules and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	// Parse command
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Handle list-rules command
	if command == listRulesCmd.FullCommand() {
		printRules()
		return
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
		File:   "",
		Format: *logFormat,
	}
	// Override with command-line flags if specified
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Close()

	// Load config
	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	// Run server (defer ensures shutdown hook is called)
	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	// Open audio device and start driving it
	device := audio.NewDevice(cfg.Audio.SampleRate)
	defer device.Close()

	output, err := audio.OpenOutput(cfg.Audio.Output, device, cfg.Audio.Buffer())
	if err != nil {
		return fmt.Errorf("failed to open audio output: %w", err)
	}
	defer output.Close()

	// Create session manager
	sessionMgr, err := session.NewManager(cfg, device, device, audio.NewDecoder(cfg.Audio.SampleRate))
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	if err := sessionMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	// Create RPC service
	timelineService := apiconnect.NewTimelineService(sessionMgr)

	// Create control auth interceptor
	controlAuthInterceptor := apiconnect.NewControlAuthInterceptor(cfg)
	timelinePath, timelineHandler := apiconnect.NewTimelineServiceHandler(
		timelineService,
		connect.WithInterceptors(controlAuthInterceptor),
	)

	// Create HTTP mux
	mux := http.NewServeMux()
	mux.Handle(timelinePath, timelineHandler)

	// Create server with h2c (HTTP/2 cleartext) support
	serverAddr := cfg.Server.Addr
	server := &http.Server{
		Addr:    serverAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	// Channel to capture server startup errors
	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})

	// Start server
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", serverAddr)
		// Signal that we're about to start listening
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	// Wait for server to start listening
	<-serverStartedCh
	// Give the server a moment to fully initialize
	time.Sleep(100 * time.Millisecond)

	// Execute startup hook if configured (after server is running)
	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		serveErr = fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close session manager first to terminate active connections/streams
	if err := sessionMgr.Stop(); err != nil {
		zlog.Warn().Msgf("Failed to stop playback: %v", err)
	}
	sessionMgr.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")

	// Execute shutdown hook if configured
	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return serveErr
}

// printRules prints available placement rules.
func printRules() {
	registered := placement.GetRegistered()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available Placement Rules:")
	for _, name := range names {
		r := registered[name]()
		codes := strings.Join(r.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", r.Name(), r.Description(), codes)
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
