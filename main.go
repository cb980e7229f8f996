package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-session/config"
	"chat-session/connection"
	"chat-session/format"
	"chat-session/logging"
	"chat-session/resolver"
	"chat-session/session"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	url        string
	logLevel   string
	stdin      io.Reader
	stdout     io.Writer
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out}
	cmd := &cobra.Command{
		Use:           "chat-session",
		Short:         "Interactive client for the campaign assistant chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&a.url, "url", "", "websocket URL of the chat backend (overrides config)")
	cmd.Flags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.url != "" {
		cfg.Connection.URL = a.url
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	res, closeResolver, err := buildResolver(cfg.Resolver, logger)
	if err != nil {
		return err
	}
	defer closeResolver()

	dialer := connection.WebsocketDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: time.Duration(cfg.Connection.HandshakeTimeoutMS) * time.Millisecond,
	}}

	s, err := session.New(session.Options{
		Connection:      cfg.ConnectionConfig(),
		Dialer:          dialer,
		Resolver:        res,
		Enrichment:      cfg.EnrichConfig(),
		Formatter:       format.New(cfg.Formatter.SanitizeBackendHTML),
		Notifier:        &consoleNotifier{out: a.stdout, logger: logger},
		SaveInstruction: cfg.Session.SaveInstruction,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	unsubscribe := s.Log().Subscribe(newPrinter(a.stdout).observe)
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := startSideServer(cfg.Metrics.ListenAddr, s, logger)

	logger.Info("opening chat session", zap.String("session_id", s.ID()), zap.String("url", cfg.Connection.URL))
	if err := s.Open(ctx); err != nil {
		// The reconnect policy keeps trying; the REPL still starts.
		logger.Warn("initial connect failed", zap.Error(err))
	}

	a.repl(ctx, s)

	logger.Info("shutting down")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	return s.Close()
}

// buildResolver picks the link resolver and optionally fronts it with the
// Redis cache.
func buildResolver(cfg config.ResolverConfig, logger *zap.Logger) (resolver.Resolver, func(), error) {
	var base resolver.Resolver
	switch cfg.Mode {
	case "http":
		base = resolver.NewHTTP(cfg.Endpoint, nil)
	default:
		base = resolver.Template{BaseURL: cfg.BaseURL}
	}
	if cfg.RedisURL == "" {
		return base, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid resolver.redis_url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return resolver.NewCached(rdb, base, ttl, logger), func() { rdb.Close() }, nil
}

// startSideServer serves /health and /metrics. It returns nil when addr is
// empty.
func startSideServer(addr string, s *session.Session, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "ok",
			"session_id": s.ID(),
			"connection": string(s.State()),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("side server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("side server error", zap.Error(err))
		}
	}()
	return server
}

// repl reads lines until EOF, /quit or cancellation.
func (a *app) repl(ctx context.Context, s *session.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(a.stdout, "Type a message, /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			quit, err := execute(ctx, s, line, a.stdout)
			if err != nil {
				fmt.Fprintf(a.stdout, "! %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}
