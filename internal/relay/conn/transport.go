// Package conn manages individual tool server connections over the MCP
// protocol.
package conn

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcprelay-go/internal/config"
)

const (
	clientName    = "mcprelay"
	clientVersion = "1.0.0"
)

// ServerInfo holds the identity a server reported during the handshake
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// Tool describes one tool as reported by the server
type Tool struct {
	Name        string
	Description string
}

// CallResult is the outcome of a tool invocation that reached the server
type CallResult struct {
	IsError bool
	Text    string
}

// Transport is the protocol-level interface to a tool server. Implementations
// must be safe for concurrent use after Initialize returns.
type Transport interface {
	// Initialize performs the protocol handshake and returns the server identity
	Initialize(ctx context.Context) (*ServerInfo, error)
	// ListTools returns the server's current tool catalog
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool by name
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	// Ping checks transport liveness
	Ping(ctx context.Context) error
	// Close tears down the transport
	Close() error
}

// Dialer creates a Transport for a server configuration. Injected so tests
// can substitute fakes.
type Dialer func(ctx context.Context, cfg *config.ServerConfig) (Transport, error)

// DialMCP creates an MCP transport for the configured protocol. SSE and
// streamable HTTP clients are started before being returned.
func DialMCP(ctx context.Context, cfg *config.ServerConfig) (Transport, error) {
	var (
		c   *client.Client
		err error
	)

	switch {
	case cfg.IsLocal():
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio client: %w", err)
		}

	case cfg.Protocol == config.ProtocolSSE:
		opts := []transport.ClientOption{}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client: %w", err)
		}
		if err = c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to start sse transport: %w", err)
		}

	default:
		opts := []transport.StreamableHTTPCOption{}
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable http client: %w", err)
		}
		if err = c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to start streamable http transport: %w", err)
		}
	}

	return &mcpTransport{client: c, protocolVersion: cfg.ProtocolVersion}, nil
}

// mcpTransport adapts an mcp-go client to the Transport interface
type mcpTransport struct {
	client          *client.Client
	protocolVersion string
}

func (t *mcpTransport) Initialize(ctx context.Context) (*ServerInfo, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = t.protocolVersion
	if initReq.Params.ProtocolVersion == "" {
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	resp, err := t.client.Initialize(ctx, initReq)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty initialize response")
	}

	return &ServerInfo{
		Name:            resp.ServerInfo.Name,
		Version:         resp.ServerInfo.Version,
		ProtocolVersion: resp.ProtocolVersion,
	}, nil
}

func (t *mcpTransport) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, Tool{Name: tool.Name, Description: tool.Description})
	}
	return tools, nil
}

func (t *mcpTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	result, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &CallResult{}, nil
	}

	return &CallResult{
		IsError: result.IsError,
		Text:    extractText(result.Content),
	}, nil
}

func (t *mcpTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx)
}

func (t *mcpTransport) Close() error {
	return t.client.Close()
}

// extractText concatenates the text parts of a tool result
func extractText(content []mcp.Content) string {
	var out string
	for _, item := range content {
		if text, ok := item.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += text.Text
		}
	}
	return out
}
