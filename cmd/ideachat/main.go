package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/ideachat/internal/chatapi"
	"github.com/comigor/ideachat/internal/config"
	"github.com/comigor/ideachat/internal/console"
	"github.com/comigor/ideachat/internal/history"
	"github.com/comigor/ideachat/internal/llm"
	"github.com/comigor/ideachat/internal/logger"
	"github.com/comigor/ideachat/internal/mcpserver"
	"github.com/comigor/ideachat/internal/message"
	"github.com/comigor/ideachat/internal/server"
	"github.com/comigor/ideachat/internal/session"
)

var (
	version    = "0.1.0"
	configPath string
	sessionID  string
)

func main() {
	root := &cobra.Command{
		Use:           "ideachat",
		Short:         "Brainstorm ideas with a streaming assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: $CONFIG_PATH or ./config.yaml)")
	root.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id (overrides session.id)")

	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mcpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		cfg.Session.ID = sessionID
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// client bundles what the chat and mcp commands need from a backend.
type client struct {
	sender   session.Sender
	api      *chatapi.Client
	external message.History
	store    *history.SQLiteStore
}

func (c *client) Close() error {
	return c.store.Close()
}

// openClient picks the sender (remote backend, or the model directly) and
// fetches the server-side conversation.
func openClient(ctx context.Context, cfg *config.Config, direct bool) (*client, error) {
	if cfg.Session.ID == "" {
		return nil, errors.New("no session found: set session.id or pass --session")
	}

	c := &client{
		api:   chatapi.NewClient(cfg.API, cfg.Session.ID),
		store: history.NewSQLiteStore(cfg.Session.StorePath),
	}
	if direct {
		prompt := func() string { return llm.SystemPrompt(cfg.Prompt) }
		c.sender = llm.NewSender(llm.NewClient(cfg.LLM), cfg.LLM, prompt)
	} else {
		c.sender = c.api
	}

	external, err := c.api.Conversation(ctx)
	if err != nil {
		if !direct {
			logger.L.Warn("could not fetch conversation", "session", cfg.Session.ID, "error", err)
		}
	} else {
		c.external = external
	}
	return c, nil
}

func chatCmd() *cobra.Command {
	var direct bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.SetOutput(os.Stderr, "text")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cl, err := openClient(ctx, cfg, direct)
			if err != nil {
				return err
			}
			defer cl.Close()

			con := console.New(console.Config{
				In:       cmd.InOrStdin(),
				Out:      cmd.OutOrStdout(),
				Ideas:    cl.api,
				External: cl.external,
			})
			ctrl := session.New(ctx, cfg.Session.ID, cl.sender,
				session.WithStore(cl.store),
				session.WithOnChange(con.Render),
				session.WithNotify(con.Notify),
			)
			return con.Run(ctx, ctrl)
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "talk to the model directly instead of the chat backend")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store := history.NewSQLiteStore(cfg.Server.StorePath)
			defer store.Close()

			prompt := func() string { return llm.SystemPrompt(cfg.Prompt) }
			sender := llm.NewSender(llm.NewClient(cfg.LLM), cfg.LLM, prompt)
			srv := server.New(store, sender, *cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port))
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.L.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func mcpCmd() *cobra.Command {
	var direct bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the conversation as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger.SetOutput(os.Stderr, "json")

			ctx := context.Background()
			cl, err := openClient(ctx, cfg, direct)
			if err != nil {
				return err
			}
			defer cl.Close()

			ctrl := session.New(ctx, cfg.Session.ID, cl.sender, session.WithStore(cl.store))
			tools := mcpserver.NewTools(chatView{ctrl: ctrl, external: cl.external}, cl.api)
			return mcpserver.Serve(mcpserver.New(tools, version))
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "talk to the model directly instead of the chat backend")
	return cmd
}

// chatView merges the fetched server conversation into what the MCP
// conversation tool reports.
type chatView struct {
	ctrl     *session.Controller
	external message.History
}

func (v chatView) Submit(ctx context.Context, msg message.Message) error {
	return v.ctrl.Submit(ctx, msg)
}

func (v chatView) Messages(external []message.Message) message.History {
	if external == nil {
		external = v.external
	}
	return v.ctrl.Messages(external)
}

func (v chatView) History() message.History {
	return v.ctrl.History()
}
