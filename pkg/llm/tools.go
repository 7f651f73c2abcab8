package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragchat/pkg/apperr"
)

// Toolbox lists the tools an agent may call and executes them.
type Toolbox interface {
	Tools(ctx context.Context) ([]llms.Tool, error)
	Call(ctx context.Context, name, arguments string) (string, error)
}

// RemoteTools exposes the tools of an MCP server reached over streamable
// HTTP. The session is opened on first use and reopened after the server
// closes it.
type RemoteTools struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	client     *mcp.Client
	log        zerolog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
	tools   []llms.Tool
}

// bearerTransport adds the tool server token to every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// NewRemoteTools creates a client for the tool server at url. A non-empty
// token is sent as a bearer token.
func NewRemoteTools(url, token string, timeout time.Duration, log zerolog.Logger) *RemoteTools {
	return NewRemoteToolsWithHTTPClient(url, token, timeout, log, &http.Client{})
}

func NewRemoteToolsWithHTTPClient(url, token string, timeout time.Duration, log zerolog.Logger, httpClient *http.Client) *RemoteTools {
	if token != "" {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *httpClient
		wrapped.Transport = &bearerTransport{token: strings.TrimPrefix(token, "Bearer "), base: base}
		httpClient = &wrapped
	}
	return &RemoteTools{
		url:        url,
		timeout:    timeout,
		httpClient: httpClient,
		client:     mcp.NewClient(&mcp.Implementation{Name: "ragchat", Version: "1.0.0"}, nil),
		log:        log.With().Str("component", "tools").Logger(),
	}
}

func (r *RemoteTools) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// connect returns the open session, opening one when needed. r.mu must be held.
func (r *RemoteTools) connect(ctx context.Context) (*mcp.ClientSession, error) {
	if r.session != nil {
		return r.session, nil
	}
	session, err := r.client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:             r.url,
		HTTPClient:           r.httpClient,
		DisableStandaloneSSE: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to tool server: %w", err)
	}
	r.session = session
	r.log.Info().Str("url", r.url).Str("session", session.ID()).Msg("Connected to tool server")
	return session, nil
}

// openSession returns the open session, connecting when needed.
func (r *RemoteTools) openSession(ctx context.Context) (*mcp.ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connect(ctx)
}

// dropSession forgets a session the server has closed so the next call
// reconnects.
func (r *RemoteTools) dropSession(session *mcp.ClientSession, err error) {
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == session {
		_ = session.Close()
		r.session = nil
		r.tools = nil
	}
}

// Tools returns the server's tools as function definitions. The list is
// fetched once per session.
func (r *RemoteTools) Tools(ctx context.Context) ([]llms.Tool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools != nil {
		return r.tools, nil
	}
	session, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	var tools []llms.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			if errors.Is(err, mcp.ErrConnectionClosed) {
				_ = session.Close()
				r.session = nil
			}
			return nil, fmt.Errorf("list tools: %w", err)
		}
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	if tools == nil {
		tools = []llms.Tool{}
	}
	r.tools = tools
	r.log.Info().Int("count", len(tools)).Msg("Loaded tools")
	return tools, nil
}

// Call runs the named tool with JSON-encoded arguments and returns the text
// content of its result.
func (r *RemoteTools) Call(ctx context.Context, name, arguments string) (string, error) {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return "", apperr.E(apperr.InvalidArgument, "llm.RemoteTools.Call", fmt.Sprintf("arguments for %s are not valid JSON", name), nil)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	session, err := r.openSession(ctx)
	if err != nil {
		return "", err
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(arguments),
	})
	if err != nil {
		r.dropSession(session, err)
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	var parts []string
	for _, c := range result.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close ends the session with the tool server.
func (r *RemoteTools) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	err := r.session.Close()
	r.session = nil
	r.tools = nil
	return err
}
