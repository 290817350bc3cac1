// Package search provides the web_search tool backed by Tavily.
package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	tavilygo "github.com/diverged/tavily-go"
	tavilyModels "github.com/diverged/tavily-go/models"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "tools/search")

// ServerName is advertised by the search server
const ServerName = "MCP search server"

// EnvAPIKey is the environment variable with the Tavily API key
const EnvAPIKey = "TAVILY_API_KEY"

// Request is the input of web_search
type Request struct {
	Query string `json:"query" jsonschema:"description=The query to search web." validate:"required"`
}

// Result is the output of web_search
type Result struct {
	Results []tavilyModels.SearchResult `json:"results"`
	Answer  string                      `json:"answer,omitempty"`
}

// String renders the result as text for the model
func (r *Result) String() string {
	var buf bytes.Buffer
	if r.Answer != "" {
		fmt.Fprintf(&buf, "ANSWER: %s\n", r.Answer)
	}
	for _, result := range r.Results {
		fmt.Fprintf(&buf, "- URL: %s\n", result.URL)
		fmt.Fprintf(&buf, "  TITLE: %s\n", result.Title)
		fmt.Fprintf(&buf, "  SCORE: %f\n", result.Score)
		fmt.Fprintf(&buf, "  CONTENT: %s\n", result.Content)
	}
	return buf.String()
}

// Provider serves the search tool
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ tools.Provider = (*Provider)(nil)

// New returns the search provider with the API key,
// or the key from TAVILY_API_KEY if empty
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}
	if apiKey == "" {
		return nil, errors.Errorf("%s is not set", EnvAPIKey)
	}
	return &Provider{apiKey: apiKey}, nil
}

// WithBaseURL overrides the Tavily API URL
func (p *Provider) WithBaseURL(baseURL string) *Provider {
	p.baseURL = baseURL
	return p
}

// WithHTTPClient sets the HTTP client
func (p *Provider) WithHTTPClient(client *http.Client) *Provider {
	p.httpClient = client
	return p
}

// ServerName implements tools.Provider
func (p *Provider) ServerName() string {
	return ServerName
}

// Register implements tools.Provider
func (p *Provider) Register(r tools.Registrator) error {
	return r.RegisterTool("web_search", "Search the web and return an aggregated answer with sources.", p.WebSearch)
}

// Search performs the search
func (p *Provider) Search(ctx context.Context, query string) (*Result, error) {
	client := tavilygo.NewClient(p.apiKey)
	if p.baseURL != "" {
		client.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		client.HTTPClient = p.httpClient
	}

	resp, err := tavilygo.Search(client, tavilyModels.SearchRequest{
		Query:         query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "status", "search_failed", "err", err.Error())
		return nil, errors.Wrap(err, "failed to perform search")
	}
	logger.ContextKV(ctx, xlog.DEBUG, "status", "searched", "results", len(resp.Results))
	return &Result{
		Results: resp.Results,
		Answer:  resp.Answer,
	}, nil
}

// WebSearch is the handler of web_search
func (p *Provider) WebSearch(ctx context.Context, req Request) (*mcp.ToolResponse, error) {
	res, err := p.Search(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return mcp.NewTextResponse(res.String()), nil
}
