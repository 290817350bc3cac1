// Package cli provides the commands of mcpagent
package cli

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/backend/openai"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/session"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "cli")

// NoAnswer is printed when a cycle produced no answer
const NoAnswer = "Sorry, I could not find an answer."

type app struct {
	configFile string
	verbose    bool
	cfg        *config.Config
}

// NewRootCmd returns the mcpagent command
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "mcpagent",
		Short:         "Agent over MCP tool servers",
		Long:          `Answers requests with a language model calling the tools of several MCP servers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.init(os.Stderr)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newToolsCmd(a))
	cmd.AddCommand(newAskCmd(a))
	cmd.AddCommand(newChatCmd(a))
	cmd.AddCommand(newSessionsCmd(a))

	return cmd
}

func (a *app) init(logOut io.Writer) error {
	xlog.SetFormatter(xlog.NewStringFormatter(logOut))
	if a.verbose {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		xlog.SetGlobalLogLevel(xlog.WARNING)
	}

	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) newBackend() agent.Backend {
	llm := a.cfg.LLM
	return openai.New(
		openai.WithAPIKey(llm.APIKey),
		openai.WithBaseURL(llm.BaseURL),
		openai.WithModel(llm.Model),
		openai.WithSystemPrompt(a.cfg.Agent.SystemPrompt),
		openai.WithTemperature(llm.Temperature),
		openai.WithMaxRetries(llm.MaxRetries),
	)
}

// newStore returns the history store, and the function releasing it
func (a *app) newStore() (store.Manager, func(), error) {
	sc := a.cfg.Store
	if sc.Kind != "redis" {
		return store.NewMemoryStore(sc.MaxTurns), func() {}, nil
	}

	opts, err := redis.ParseURL(sc.RedisURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(opts)
	st := store.NewRedisStore(client, sc.Prefix,
		store.WithMaxTurns(sc.MaxTurns),
		store.WithTTL(sc.TTL.TimeDuration()),
	)
	return st, func() { _ = client.Close() }, nil
}

// newSession starts a session with the given ID, or a new ID if empty
func (a *app) newSession(ctx context.Context, id string, st store.TraceStore, events io.Writer) (*session.Session, error) {
	var cb agent.Callback = agent.NewPackageLoggerCallback(logger)
	if a.verbose {
		cb = agent.NewPrinterCallback(events)
	}
	return session.New(ctx, a.cfg, a.newBackend(),
		session.WithID(id),
		session.WithStore(st),
		session.WithAgentOptions(agent.WithCallback(cb)),
	)
}
