package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/credential"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints a fresh MCP API key and the bcrypt hash to configure as
// MCP_API_KEY_HASH.
func hashKey() {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "API key (give this to the MCP client, it is not stored):")
	fmt.Println(key)
	fmt.Fprintln(os.Stderr, "MCP_API_KEY_HASH:")
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api_url", cfg.APIURL),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("metrics", cfg.MetricsEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	client := api.NewClient(cfg.APIURL, nil)

	sess, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	client.SetToken(sess.Token)

	manager := realtime.NewManager(realtime.Config{
		URL:               cfg.WSURL,
		Token:             sess.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
		Metrics:           m,
	}, logger.With(slog.String("service", "push")))

	chatSession := chat.NewSession(client, manager, chat.SessionConfig{
		LocalUserID: sess.User.ID,
		PageSize:    cfg.PageSize,
		TypingTTL:   cfg.TypingTTL,
		Metrics:     m,
	}, logger)
	defer chatSession.Close()

	if err := chatSession.Store.LoadConversations(ctx); err != nil {
		return err
	}

	if err := manager.Connect(ctx); err != nil {
		return err
	}

	localID, err := resolveLocalUserID(sess.User.ID, manager.UserID())
	if err != nil {
		_ = manager.Disconnect()
		return err
	}

	chatSession.Store.SetLocalUserID(localID)

	logger.Info("connected",
		slog.String("user_id", chatSession.Store.LocalUserID()),
		slog.Int("conversations", len(chatSession.Store.Conversations())),
		slog.Int("unread", chatSession.Store.UnreadTotal()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := manager.Listen(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.TokenFile != "" {
		watcher := credential.NewWatcher(cfg.TokenFile, sess.Token, func(token string) {
			logger.Info("token file changed, reconnecting")
			client.SetToken(token)
			manager.SetToken(token)
			manager.Reconnect()
		}, logger)

		g.Go(func() error {
			err := watcher.Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	if cfg.EnableMCP || cfg.MetricsEnabled {
		g.Go(func() error {
			return runHTTP(gctx, cfg, chatSession, client, manager, m, logger)
		})
	}

	return g.Wait()
}

// authenticate returns a usable session. A token file wins over
// everything; otherwise a cached token is tried before logging in.
func authenticate(ctx context.Context, client *api.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (state.Session, error) {
	if cfg.TokenFile != "" {
		token, err := credential.ReadToken(cfg.TokenFile)
		if err != nil {
			return state.Session{}, fmt.Errorf("reading token file: %w", err)
		}

		logger.Info("using token file", slog.String("path", cfg.TokenFile))

		return state.Session{Token: token}, nil
	}

	cached, ok, err := appState.Session(cfg.APIURL, cfg.Email)
	if err != nil {
		logger.Warn("reading cached session", slog.String("error", err.Error()))
	}

	if ok {
		logger.Debug("trying cached token")

		client.SetToken(cached.Token)

		_, err := client.ListConversations(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("user_id", cached.User.ID))
			return cached, nil
		}

		if !errors.Is(err, chaterrors.ErrUnauthorized) {
			return state.Session{}, fmt.Errorf("checking cached token: %w", err)
		}

		logger.Debug("cached token rejected, logging in fresh")

		if err := appState.ClearSession(cfg.APIURL, cfg.Email); err != nil {
			logger.Warn("clearing cached session", slog.String("error", err.Error()))
		}
	}

	logger.Info("logging in", slog.String("email", cfg.Email))

	resp, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return state.Session{}, fmt.Errorf("logging in: %w", err)
	}

	logger.Info("logged in", slog.String("name", resp.User.Name), slog.String("user_id", resp.User.ID))

	sess := state.Session{Token: resp.AccessToken, User: resp.User, SavedAt: time.Now()}
	if err := appState.SaveSession(cfg.APIURL, cfg.Email, sess); err != nil {
		logger.Warn("failed to save session", slog.String("error", err.Error()))
	}

	return sess, nil
}

// resolveLocalUserID picks who we are. The handshake is authoritative; the
// cached login covers servers that omit it. A token file carries no user,
// so both can be empty.
func resolveLocalUserID(cached, handshake string) (string, error) {
	if handshake != "" {
		return handshake, nil
	}

	if cached != "" {
		return cached, nil
	}

	return "", errors.New("local user id unknown: push handshake named no user and no login session is cached")
}

// runHTTP serves the MCP endpoint, health and metrics until ctx is done.
func runHTTP(ctx context.Context, cfg *config.Config, sess *chat.Session, client *api.Client, manager *realtime.Manager, m *metrics.Metrics, logger *slog.Logger) error {
	httpLogger := logger.With(slog.String("service", "http"))

	muxCfg := server.MuxConfig{
		State:  manager.State,
		Logger: httpLogger,
	}

	if m != nil {
		muxCfg.Metrics = m.Handler()
	}

	if cfg.EnableMCP {
		verifier, err := auth.NewVerifier(cfg.MCPAPIKeyHash)
		if err != nil {
			return fmt.Errorf("configuring MCP auth: %w", err)
		}

		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
			Session: sess,
			Users:   client,
			Conn:    manager,
		})

		muxCfg.Verifier = verifier
		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	httpLogger.Info("starting HTTP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
