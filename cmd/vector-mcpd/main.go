// Command vector-mcpd serves a streaming MCP endpoint with a demo tool set:
// an echo tool, a sampling round-trip tool, prompts, and (optionally) a
// watched resources directory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sergiobayona/vector-mcp/auth"
	"github.com/sergiobayona/vector-mcp/config"
	"github.com/sergiobayona/vector-mcp/eventlog"
	"github.com/sergiobayona/vector-mcp/eventlog/redislog"
	"github.com/sergiobayona/vector-mcp/internal/logctx"
	"github.com/sergiobayona/vector-mcp/mcp"
	"github.com/sergiobayona/vector-mcp/mcpserver"
	"github.com/sergiobayona/vector-mcp/sessions"
	"github.com/sergiobayona/vector-mcp/streaminghttp"
)

const serverVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("main.config_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})

	if err := run(log, cfg); err != nil {
		log.Error("main.failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(log, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := sessions.NewRegistry()

	opts := []streaminghttp.Option{
		streaminghttp.WithKeepAliveInterval(cfg.KeepAliveInterval),
		streaminghttp.WithSamplingTimeout(cfg.SamplingTimeout),
	}

	if cfg.RedisAddr != "" {
		redisCfg := redislog.Config{RedisAddr: cfg.RedisAddr, Capacity: cfg.EventLogCapacity}
		opts = append(opts, streaminghttp.WithEventStoreFactory(func(sessionID string) eventlog.Store {
			store, err := redislog.New(redisCfg, sessionID)
			if err != nil {
				log.Error("main.redislog_failed",
					slog.String("session_id", sessionID),
					slog.String("err", err.Error()))
				return eventlog.NewLog(cfg.EventLogCapacity)
			}
			return store
		}))
	} else {
		opts = append(opts, streaminghttp.WithEventStoreFactory(func(string) eventlog.Store {
			return eventlog.NewLog(cfg.EventLogCapacity)
		}))
	}

	if cfg.AuthEnabled() {
		authn, err := auth.NewStatic(&auth.StaticConfig{
			Issuer:            cfg.JWTIssuer,
			ExpectedAudiences: []string{cfg.JWTAudience},
			Secret:            []byte(cfg.JWTSecret),
		})
		if err != nil {
			return err
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authn))
	}

	handler := streaminghttp.New(log, srv, registry, opts...)
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Idle-session janitor.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := registry.ExpireIdle(cfg.SessionTTL); n > 0 {
					log.Info("main.sessions_expired", slog.Int("count", n))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("main.listening", slog.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("main.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Text to echo back"`
}

type askArgs struct {
	Question string `json:"question" jsonschema:"required,description=Question to pose to the client's model"`
}

func buildServer(log *slog.Logger, cfg *config.Config) (*mcpserver.Server, func(), error) {
	tools := mcpserver.NewToolsContainer(
		mcpserver.NewTool("echo", "Echoes back the provided message",
			func(ctx context.Context, session mcpserver.ClientSession, args echoArgs) (*mcp.CallToolResult, error) {
				return mcpserver.TextResult("Echo: " + args.Message), nil
			}),
		mcpserver.NewTool("ask", "Asks the connected client's model a question",
			func(ctx context.Context, session mcpserver.ClientSession, args askArgs) (*mcp.CallToolResult, error) {
				res, err := session.Sample(ctx, &mcp.CreateMessageRequest{
					Messages: []mcp.SamplingMessage{{
						Role:    mcp.RoleUser,
						Content: []mcp.ContentBlock{{Type: "text", Text: args.Question}},
					}},
					MaxTokens: 256,
				})
				if err != nil {
					return nil, err
				}
				return mcpserver.TextResult(res.Content.Text), nil
			}),
	)

	prompts := mcpserver.NewPromptsContainer(&mcpserver.ServerPrompt{
		Prompt: mcp.Prompt{
			Name:        "summarize",
			Description: "Summarize the given topic",
			Arguments:   []mcp.PromptArgument{{Name: "topic", Description: "Topic to summarize", Required: true}},
		},
		Render: func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: []mcp.ContentBlock{{Type: "text", Text: "Summarize the following topic: " + args["topic"]}},
				}},
			}, nil
		},
	})

	opts := []mcpserver.Option{
		mcpserver.WithTools(tools),
		mcpserver.WithPrompts(prompts),
		mcpserver.WithInstructions("Use the echo tool to round-trip text, or ask to query the client model."),
	}

	cleanup := func() {}
	if cfg.ResourcesDir != "" {
		dir, err := mcpserver.NewDirResources(cfg.ResourcesDir, log)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { dir.Close() }
		opts = append(opts, mcpserver.WithResources(dir))
	}

	return mcpserver.NewServer("vector-mcp", serverVersion, opts...), cleanup, nil
}
