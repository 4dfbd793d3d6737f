// ABOUTME: Entry point for the lair chat server
// ABOUTME: Flags over LAIR_* env over YAML config; runs TCP and HTTP adapters

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lairchat/lair/internal/auth"
	"github.com/lairchat/lair/internal/chat"
	"github.com/lairchat/lair/internal/config"
	"github.com/lairchat/lair/internal/event"
	"github.com/lairchat/lair/internal/httpapi"
	"github.com/lairchat/lair/internal/session"
	"github.com/lairchat/lair/internal/store"
	"github.com/lairchat/lair/internal/tcpserver"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 fatal runtime error.
const (
	exitStartupFailure = 1
	exitRuntimeFailure = 2
)

func main() {
	// A .env file, when present, feeds the LAIR_* overrides.
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		tcpPort     = flag.String("tcp-port", "", "TCP listen address override")
		httpPort    = flag.String("http-port", "", "HTTP listen address override")
		databaseURL = flag.String("database-url", "", "SQLite database path override")
		jwtSecret   = flag.String("jwt-secret", "", "token signing secret override")
		tlsCert     = flag.String("tls-cert", "", "TLS certificate file override")
		tlsKey      = flag.String("tls-key", "", "TLS key file override")
		logLevel    = flag.String("log-level", "", "log level override (debug/info/warn/error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStartupFailure)
	}
	applyFlagOverrides(cfg, *tcpPort, *httpPort, *databaseURL, *jwtSecret, *tlsCert, *tlsKey, *logLevel)

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(exitRuntimeFailure)
	}
}

func applyFlagOverrides(cfg *config.Config, tcpPort, httpPort, databaseURL, jwtSecret, tlsCert, tlsKey, logLevel string) {
	if tcpPort != "" {
		cfg.Server.TCPAddr = tcpPort
	}
	if httpPort != "" {
		cfg.Server.HTTPAddr = httpPort
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	if jwtSecret != "" {
		cfg.Auth.JWTSecret = jwtSecret
	}
	if tlsCert != "" {
		cfg.Server.TLSCert = tlsCert
	}
	if tlsKey != "" {
		cfg.Server.TLSKey = tlsKey
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting lair server",
		"tcp_addr", cfg.Server.TCPAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.URL,
	)

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			fmt.Fprintf(os.Stderr, "Error: generating signing key: %v\n", err)
			os.Exit(exitStartupFailure)
		}
		secret = []byte(hex.EncodeToString(generated))
		logger.Warn("no jwt secret configured; generated an ephemeral one — all sessions are invalidated on restart")
	}

	st, err := store.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: opening store: %v\n", err)
		os.Exit(exitStartupFailure)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store failed", "error", err)
		}
	}()

	hasher := auth.NewHasher(auth.HasherParams{})
	tokens := auth.NewTokenService(secret)
	sessions := session.NewManager(st, tokens, hasher, session.Config{MaxAge: cfg.Auth.SessionMaxAge}, logger)
	dispatcher := event.NewDispatcher(logger, 0)
	defer dispatcher.Close()

	engine := chat.NewEngine(st, sessions, dispatcher, hasher, chat.Config{
		MaxMessageBytes:       cfg.Limits.MaxMessageBytes,
		PostPerMinute:         cfg.Limits.PostPerMinute,
		PostBurst:             cfg.Limits.PostBurst,
		PersistDirectMessages: cfg.Chat.PersistDirectMessages,
	}, logger)
	defer engine.Close()

	sessions.StartReaper(ctx, 0)

	tcpSrv := tcpserver.New(engine, sessions, tcpserver.Config{
		Addr:     cfg.Server.TCPAddr,
		MaxFrame: cfg.Limits.MaxFrameBytes,
	}, logger)

	httpSrv := httpapi.New(engine, sessions, httpapi.Config{
		Addr:    cfg.Server.HTTPAddr,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, logger)
	defer httpSrv.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcpSrv.Run(ctx) })
	g.Go(func() error { return httpSrv.Run(ctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("clean shutdown")
	return nil
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

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
