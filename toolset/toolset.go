// Package toolset discovers tools from a set of MCP servers and merges their
// catalogs into one read-only toolset with a routing table from tool name to
// the owning server.
package toolset

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/trace"
	"github.com/effective-security/xlog"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "toolset")

// ErrNoToolsDiscovered is returned when no server was reachable and no tool was found
var ErrNoToolsDiscovered = errors.New("no reachable servers and no tools discovered")

// DefaultDiscoveryTimeout bounds connecting to and listing one server
const DefaultDiscoveryTimeout = 30 * time.Second

// Entry is a routable tool
type Entry struct {
	Descriptor trace.ToolDescriptor
	Endpoint   ServerEndpoint
	Conn       Conn
}

// Failure records an endpoint excluded from discovery
type Failure struct {
	Endpoint ServerEndpoint
	Err      error
}

// Collision records a tool advertised by more than one server.
// The descriptor of Kept is used; Shadowed is ignored for this tool.
type Collision struct {
	Tool     string
	Kept     string
	Shadowed string
}

// Toolset is the unified catalog of all reachable servers.
// It is immutable and safe for concurrent use.
type Toolset struct {
	entries    map[string]*Entry
	order      []string
	servers    []ServerEndpoint
	conns      []Conn
	failures   []Failure
	collisions []Collision
}

type options struct {
	connectors  map[TransportKind]Connector
	timeout     time.Duration
	maxParallel int
}

// Option configures Discover
type Option func(*options)

// WithConnector sets the connector used for a transport kind
func WithConnector(kind TransportKind, connector Connector) Option {
	return func(o *options) {
		o.connectors[kind] = connector
	}
}

// WithDiscoveryTimeout bounds connecting to and listing one server
func WithDiscoveryTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithMaxParallel limits the number of servers discovered at the same time, 0 is unlimited
func WithMaxParallel(n int) Option {
	return func(o *options) {
		o.maxParallel = n
	}
}

type discovered struct {
	conn  Conn
	tools []trace.ToolDescriptor
	err   error
}

// Discover connects to the endpoints concurrently and merges their catalogs
// in the endpoint order: when several servers advertise the same tool name,
// the server listed first wins and the collision is logged.
//
// An endpoint that can not be reached or listed is logged, reported by Failures
// and left out. ErrNoToolsDiscovered is returned if no endpoint was reachable.
func Discover(ctx context.Context, endpoints []ServerEndpoint, opts ...Option) (*Toolset, error) {
	o := &options{
		connectors: map[TransportKind]Connector{
			TransportStreamableHTTP: ConnectHTTP(),
		},
		timeout: DefaultDiscoveryTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	names := map[string]bool{}
	for _, ep := range endpoints {
		if names[ep.Name] {
			return nil, errors.Errorf("duplicate server name: %s", ep.Name)
		}
		names[ep.Name] = true
	}

	results := make([]discovered, len(endpoints))

	g := new(errgroup.Group)
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = discoverOne(ctx, ep, o)
			return nil
		})
	}
	_ = g.Wait()

	ts := &Toolset{
		entries: make(map[string]*Entry),
	}

	if err := ctx.Err(); err != nil {
		for _, r := range results {
			if r.conn != nil {
				_ = r.conn.Close()
			}
		}
		return nil, errors.WithStack(err)
	}

	for i, ep := range endpoints {
		r := results[i]
		if r.err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "discovery_failed",
				"server", ep.Name,
				"address", ep.Address,
				"err", r.err.Error(),
			)
			metricskey.StatsDiscoveryFailed.IncrCounter(1, ep.Name)
			ts.failures = append(ts.failures, Failure{Endpoint: ep, Err: r.err})
			continue
		}

		ts.servers = append(ts.servers, ep)
		ts.conns = append(ts.conns, r.conn)

		for _, d := range r.tools {
			if existing, ok := ts.entries[d.Name]; ok {
				logger.ContextKV(ctx, xlog.WARNING,
					"status", "tool_name_collision",
					"tool", d.Name,
					"kept", existing.Endpoint.Name,
					"shadowed", ep.Name,
				)
				metricskey.StatsToolNameCollisions.IncrCounter(1, d.Name)
				ts.collisions = append(ts.collisions, Collision{
					Tool:     d.Name,
					Kept:     existing.Endpoint.Name,
					Shadowed: ep.Name,
				})
				continue
			}
			ts.entries[d.Name] = &Entry{
				Descriptor: d,
				Endpoint:   ep,
				Conn:       r.conn,
			}
			ts.order = append(ts.order, d.Name)
		}
	}

	if len(ts.servers) == 0 && len(ts.entries) == 0 {
		var reasons []string
		for _, f := range ts.failures {
			reasons = append(reasons, f.Endpoint.Name+": "+f.Err.Error())
		}
		if len(reasons) == 0 {
			return nil, errors.Wrap(ErrNoToolsDiscovered, "no servers configured")
		}
		return nil, errors.Wrap(ErrNoToolsDiscovered, strings.Join(reasons, "; "))
	}

	logger.ContextKV(ctx, xlog.INFO,
		"status", "discovered",
		"servers", len(ts.servers),
		"failed", len(ts.failures),
		"tools", len(ts.order),
		"collisions", len(ts.collisions),
	)
	return ts, nil
}

func discoverOne(ctx context.Context, ep ServerEndpoint, o *options) (res discovered) {
	started := time.Now()
	defer metricskey.PerfDiscovery.MeasureSince(started, ep.Name)

	if err := ep.Validate(); err != nil {
		return discovered{err: err}
	}
	kind, _ := ParseTransportKind(string(ep.Transport))
	connector := o.connectors[kind]
	if connector == nil {
		return discovered{err: errors.Errorf("no connector for transport %s", kind)}
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	conn, err := connector(ctx, ep)
	if err != nil {
		return discovered{err: errors.Wrapf(err, "failed to connect to %s", ep.Address)}
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Close()
		return discovered{err: errors.Wrapf(err, "failed to list tools of %s", ep.Address)}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "listed",
		"server", ep.Name,
		"tools", len(tools),
		"elapsed", time.Since(started).String(),
	)
	return discovered{conn: conn, tools: tools}
}

// Lookup returns the entry for a tool name
func (t *Toolset) Lookup(name string) (*Entry, bool) {
	e, ok := t.entries[name]
	return e, ok
}

// Len returns the number of tools
func (t *Toolset) Len() int {
	return len(t.order)
}

// Names returns the tool names in registration order
func (t *Toolset) Names() []string {
	return append([]string(nil), t.order...)
}

// Descriptors returns the tool descriptors in registration order
func (t *Toolset) Descriptors() []trace.ToolDescriptor {
	res := make([]trace.ToolDescriptor, 0, len(t.order))
	for _, name := range t.order {
		res = append(res, t.entries[name].Descriptor)
	}
	return res
}

// Servers returns the reachable endpoints, in configuration order
func (t *Toolset) Servers() []ServerEndpoint {
	return append([]ServerEndpoint(nil), t.servers...)
}

// Failures returns the endpoints excluded from discovery
func (t *Toolset) Failures() []Failure {
	return append([]Failure(nil), t.failures...)
}

// Collisions returns the shadowed tools
func (t *Toolset) Collisions() []Collision {
	return append([]Collision(nil), t.collisions...)
}

// Close closes all server connections
func (t *Toolset) Close() error {
	var err error
	for _, c := range t.conns {
		err = errors.CombineErrors(err, c.Close())
	}
	return err
}
