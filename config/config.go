// Package config provides the configuration of the agent and the tool servers.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/toolset"
	"github.com/effective-security/x/values"
	"github.com/go-playground/validator/v10"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding the configuration
const (
	EnvModelName      = "MODEL_NAME"
	EnvModelAPIKey    = "MODEL_API_KEY"
	EnvGmailCredsFile = "GMAIL_CREDS_FILE"
	EnvGmailTokenFile = "GMAIL_TOKEN_FILE"
	EnvTavilyAPIKey   = "TAVILY_API_KEY"
)

// Defaults
const (
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxIterations   = 10
	DefaultCallTimeout     = 30 * time.Second
	DefaultDiscoverTimeout = 30 * time.Second
	DefaultStorePrefix     = "mcpagent"
	DefaultSystemPrompt    = "You are a helpful personal assistant. " +
		"Use the available tools to answer the user, and answer in plain text."
)

// Config of the agent
type Config struct {
	// Servers is the ordered mapping from logical server name to its endpoint.
	// The order decides which server wins when tool names collide.
	Servers *orderedmap.OrderedMap[string, *ServerConfig] `json:"servers" yaml:"servers" validate:"-"`

	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Store     StoreConfig     `json:"store" yaml:"store"`

	Email   EmailConfig   `json:"email" yaml:"email"`
	Weather WeatherConfig `json:"weather" yaml:"weather"`
	Search  SearchConfig  `json:"search" yaml:"search"`
}

// ServerConfig is a tool server endpoint
type ServerConfig struct {
	URL string `json:"url" yaml:"url" validate:"required,url"`
	// Transport is the transport kind, streamable-http by default
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// AgentConfig specifies the reasoning loop
type AgentConfig struct {
	// MaxIterations bounds the reasoning steps per request
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"min=1"`
	// MaxParallelCalls limits concurrent tool calls of one step, 0 is unlimited
	MaxParallelCalls int `json:"max_parallel_calls,omitempty" yaml:"max_parallel_calls,omitempty" validate:"min=0"`
	// MaxToolRetries is the number of retries of calls to unreachable servers
	MaxToolRetries int    `json:"max_tool_retries,omitempty" yaml:"max_tool_retries,omitempty" validate:"min=0"`
	SystemPrompt   string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// DispatchConfig specifies tool calls
type DispatchConfig struct {
	// Timeout bounds one tool call
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// ValidateArguments checks call arguments against the tool input schema
	// before sending the call
	ValidateArguments bool `json:"validate_arguments,omitempty" yaml:"validate_arguments,omitempty"`
}

// DiscoveryConfig specifies tool discovery
type DiscoveryConfig struct {
	// Timeout bounds connecting to and listing one server
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxParallel limits servers discovered at the same time, 0 is unlimited
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"min=0"`
}

// LLMConfig specifies the language model backend
type LLMConfig struct {
	Provider    string  `json:"provider,omitempty" yaml:"provider,omitempty" validate:"oneof=openai"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty" validate:"required"`
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" validate:"min=0,max=2"`
	MaxRetries  int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"min=0"`
}

// StoreConfig specifies the history store
type StoreConfig struct {
	// Kind is memory or redis
	Kind     string `json:"kind,omitempty" yaml:"kind,omitempty" validate:"oneof=memory redis"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" validate:"required_if=Kind redis"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// MaxTurns keeps only the newest turns of a session, 0 is unlimited
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty" validate:"min=0"`
	// TTL expires sessions not updated for the duration, 0 never expires
	TTL Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// EmailConfig specifies the email tool server
type EmailConfig struct {
	Addr            string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty" yaml:"credentials_file,omitempty"`
	TokenFile       string `json:"token_file,omitempty" yaml:"token_file,omitempty"`
}

// WeatherConfig specifies the weather tool server
type WeatherConfig struct {
	Addr         string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	GeocodingURL string `json:"geocoding_url,omitempty" yaml:"geocoding_url,omitempty" validate:"omitempty,url"`
	ForecastURL  string `json:"forecast_url,omitempty" yaml:"forecast_url,omitempty" validate:"omitempty,url"`
}

// SearchConfig specifies the web search tool server
type SearchConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty" validate:"omitempty,url"`
}

// Load returns the configuration from file, or the default configuration
// if file is empty. Environment variables in the file are expanded.
func Load(file string) (*Config, error) {
	if file == "" {
		cfg := new(Config)
		return cfg, cfg.finalize()
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config %s", file)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load config %s", file)
	}
	return cfg, nil
}

// Parse returns the configuration from YAML, with environment variables expanded
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, cfg.finalize()
}

func (c *Config) finalize() error {
	c.applyEnv()
	c.applyDefaults()
	return c.Validate()
}

func (c *Config) applyEnv() {
	c.LLM.Model = values.StringsCoalesce(os.Getenv(EnvModelName), c.LLM.Model)
	c.LLM.APIKey = values.StringsCoalesce(os.Getenv(EnvModelAPIKey), c.LLM.APIKey)
	c.Email.CredentialsFile = values.StringsCoalesce(os.Getenv(EnvGmailCredsFile), c.Email.CredentialsFile)
	c.Email.TokenFile = values.StringsCoalesce(os.Getenv(EnvGmailTokenFile), c.Email.TokenFile)
	c.Search.APIKey = values.StringsCoalesce(os.Getenv(EnvTavilyAPIKey), c.Search.APIKey)
}

func (c *Config) applyDefaults() {
	if c.Servers == nil || c.Servers.Len() == 0 {
		c.Servers = DefaultServers()
	}

	c.Agent.MaxIterations = values.NumbersCoalesce(c.Agent.MaxIterations, DefaultMaxIterations)
	c.Agent.SystemPrompt = values.StringsCoalesce(c.Agent.SystemPrompt, DefaultSystemPrompt)
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = Duration(DefaultCallTimeout)
	}
	if c.Discovery.Timeout <= 0 {
		c.Discovery.Timeout = Duration(DefaultDiscoverTimeout)
	}

	c.LLM.Provider = values.StringsCoalesce(c.LLM.Provider, "openai")
	c.LLM.Model = values.StringsCoalesce(c.LLM.Model, DefaultModel)

	c.Store.Kind = values.StringsCoalesce(c.Store.Kind, "memory")
	c.Store.Prefix = values.StringsCoalesce(c.Store.Prefix, DefaultStorePrefix)

	c.Email.Addr = values.StringsCoalesce(c.Email.Addr, ":8001")
	c.Email.Endpoint = values.StringsCoalesce(c.Email.Endpoint, "/mcp")
	c.Email.CredentialsFile = values.StringsCoalesce(c.Email.CredentialsFile, "credentials.json")
	c.Email.TokenFile = values.StringsCoalesce(c.Email.TokenFile, "token.json")

	c.Weather.Addr = values.StringsCoalesce(c.Weather.Addr, ":8000")
	c.Weather.Endpoint = values.StringsCoalesce(c.Weather.Endpoint, "/mcp")

	c.Search.Addr = values.StringsCoalesce(c.Search.Addr, ":8002")
	c.Search.Endpoint = values.StringsCoalesce(c.Search.Endpoint, "/mcp")
}

// Validate returns an error if the configuration is not usable
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	_, err := c.Endpoints()
	return err
}

// Endpoints returns the tool server endpoints in the configured order
func (c *Config) Endpoints() ([]toolset.ServerEndpoint, error) {
	var list []toolset.ServerEndpoint
	if c.Servers == nil {
		return list, nil
	}
	for pair := c.Servers.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			return nil, errors.Errorf("server %s: url is required", pair.Key)
		}
		if err := validator.New().Struct(pair.Value); err != nil {
			return nil, errors.Wrapf(err, "server %s", pair.Key)
		}
		kind, err := toolset.ParseTransportKind(pair.Value.Transport)
		if err != nil {
			return nil, errors.Wrapf(err, "server %s", pair.Key)
		}
		ep := toolset.ServerEndpoint{
			Name:      pair.Key,
			Address:   strings.TrimSpace(pair.Value.URL),
			Transport: kind,
		}
		if err = ep.Validate(); err != nil {
			return nil, err
		}
		list = append(list, ep)
	}
	return list, nil
}

// DefaultServers returns the weather and email servers on localhost
func DefaultServers() *orderedmap.OrderedMap[string, *ServerConfig] {
	servers := orderedmap.New[string, *ServerConfig]()
	servers.Set("weather_agent", &ServerConfig{
		URL:       "http://localhost:8000/mcp",
		Transport: string(toolset.TransportStreamableHTTP),
	})
	servers.Set("email_agent", &ServerConfig{
		URL:       "http://localhost:8001/mcp",
		Transport: string(toolset.TransportStreamableHTTP),
	})
	return servers
}
