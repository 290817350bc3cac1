// Package session is the caller-facing entry point: it discovers the tools of
// the configured servers, builds the agent, and answers user requests while
// keeping the conversation history.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/dispatch"
	"github.com/effective-security/mcpagent/extractor"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "session")

// ErrClosed is returned by a closed session
var ErrClosed = errors.New("session closed")

type options struct {
	id           string
	store        store.TraceStore
	dispatcher   agent.Dispatcher
	discoverOpts []toolset.Option
	agentOpts    []agent.Option
}

// Option configures a session
type Option func(*options)

// WithID sets the session ID, to continue a stored conversation
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithStore sets the history store, in memory by default
func WithStore(st store.TraceStore) Option {
	return func(o *options) {
		o.store = st
	}
}

// WithDispatcher replaces the dispatch bridge
func WithDispatcher(d agent.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithDiscoveryOptions adds options to the tool discovery
func WithDiscoveryOptions(opts ...toolset.Option) Option {
	return func(o *options) {
		o.discoverOpts = append(o.discoverOpts, opts...)
	}
}

// WithAgentOptions adds options to the agent
func WithAgentOptions(opts ...agent.Option) Option {
	return func(o *options) {
		o.agentOpts = append(o.agentOpts, opts...)
	}
}

// Session holds the toolset and the agent of one conversation.
// Requests of a session are served one at a time.
type Session struct {
	id      string
	toolset *toolset.Toolset
	agent   *agent.Agent
	store   store.TraceStore

	lock   sync.Mutex
	closed bool
}

// New discovers the tools of the configured servers and returns a session.
// It fails only when no server is reachable and no tool is found.
func New(ctx context.Context, cfg *config.Config, backend agent.Backend, opts ...Option) (*Session, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	discoverOpts := append([]toolset.Option{
		toolset.WithDiscoveryTimeout(cfg.Discovery.Timeout.TimeDuration()),
		toolset.WithMaxParallel(cfg.Discovery.MaxParallel),
	}, o.discoverOpts...)

	ts, err := toolset.Discover(ctx, endpoints, discoverOpts...)
	if err != nil {
		return nil, err
	}

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher = dispatch.New(
			dispatch.WithTimeout(cfg.Dispatch.Timeout.TimeDuration()),
			dispatch.WithArgumentValidation(cfg.Dispatch.ValidateArguments),
		)
	}

	agentOpts := append([]agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxParallelCalls(cfg.Agent.MaxParallelCalls),
		agent.WithMaxToolRetries(cfg.Agent.MaxToolRetries),
	}, o.agentOpts...)

	st := o.store
	if st == nil {
		st = store.NewMemoryStore(cfg.Store.MaxTurns)
	}

	s := &Session{
		id:      values.StringsCoalesce(o.id, uuid.NewString()),
		toolset: ts,
		agent:   agent.New(backend, dispatcher, ts, agentOpts...),
		store:   st,
	}

	logger.ContextKV(ctx, xlog.INFO,
		"status", "session_started",
		"session", s.id,
		"backend", backend.Name(),
		"tools", ts.Len(),
	)
	return s, nil
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// Toolset returns the unified toolset
func (s *Session) Toolset() *toolset.Toolset {
	return s.toolset
}

// Submit runs one reasoning cycle over the history of the session, stores the
// new turns, and returns the extracted answer.
// If the cycle fails or is cancelled, the turns recorded so far are stored and
// the error is returned with the answer extracted from them.
func (s *Session) Submit(ctx context.Context, text string) (extractor.Result, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return extractor.Result{}, errors.WithStack(ErrClosed)
	}

	started := time.Now()
	prior, err := s.store.Turns(ctx, s.id)
	if err != nil {
		return extractor.Result{}, errors.WithMessage(err, "failed to load history")
	}

	t, runErr := s.agent.Run(ctx, text, prior)

	// store the cycle even if the request was cancelled
	if err = s.store.Append(context.WithoutCancel(ctx), s.id, t[len(prior):]...); err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "store_failed",
			"session", s.id,
			"err", err.Error(),
		)
		if runErr == nil {
			runErr = errors.WithMessage(err, "failed to store history")
		}
	}

	res := extractor.Extract(t)
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "submitted",
		"session", s.id,
		"input", slices.StringUpto(text, 64),
		"answer", res.Status,
		"turns", len(t)-len(prior),
		"elapsed", time.Since(started).String(),
	)
	return res, runErr
}

// History returns the stored turns of the session
func (s *Session) History(ctx context.Context) (trace.Trace, error) {
	return s.store.Turns(ctx, s.id)
}

// Reset deletes the history of the session
func (s *Session) Reset(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.store.Reset(ctx, s.id)
}

// Close closes the server connections. The history is kept in the store.
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.toolset.Close()
}
