package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// catalogTTL bounds how stale the cached tool catalog may get. The
// catalog changes when tools are deployed, not per request, so a short
// TTL keeps prompts current without a round trip per run.
const catalogTTL = 30 * time.Second

// MCPInvoker executes tools over the Model Context Protocol against a
// streamable HTTP server. The connection is established lazily on
// first use so the host starts even when the tool server is down.
type MCPInvoker struct {
	url    string
	apiKey string
	logger *slog.Logger

	mu     sync.Mutex
	client *mcpclient.Client

	catalogMu sync.Mutex
	catalog   []model.ToolInfo
	fetchedAt time.Time
}

// NewMCPInvoker creates an invoker for the MCP server at url. apiKey,
// when non-empty, is sent as a bearer token on every request.
func NewMCPInvoker(url, apiKey string, logger *slog.Logger) *MCPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPInvoker{url: url, apiKey: apiKey, logger: logger}
}

// ensureClient connects and runs the MCP handshake once. A failed
// handshake leaves the invoker unconnected so the next call retries.
func (m *MCPInvoker) ensureClient(ctx context.Context) (*mcpclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	headers := map[string]string{}
	if m.apiKey != "" {
		headers["Authorization"] = "Bearer " + m.apiKey
	}

	c, err := mcpclient.NewStreamableHttpClient(m.url,
		mcptransport.WithHTTPHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("tools: create mcp client: %w", err)
	}

	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "hibiki", Version: "0.1.0"},
		},
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tools: mcp handshake: %w", err)
	}

	m.logger.Info("tools: connected to mcp server", "url", m.url)
	m.client = c
	return c, nil
}

// ListTools returns the server's tool catalog, cached for a short TTL.
func (m *MCPInvoker) ListTools(ctx context.Context) ([]model.ToolInfo, error) {
	m.catalogMu.Lock()
	defer m.catalogMu.Unlock()
	if m.catalog != nil && time.Since(m.fetchedAt) < catalogTTL {
		return m.catalog, nil
	}

	c, err := m.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools: list tools: %w", err)
	}

	infos := make([]model.ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		infos = append(infos, model.ToolInfo{Name: t.Name, Description: t.Description})
	}
	m.catalog = infos
	m.fetchedAt = time.Now()
	return infos, nil
}

// CallTool executes one tool call. The owner is injected into the
// arguments so tools scope their effects to the requesting user.
func (m *MCPInvoker) CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error) {
	c, err := m.ensureClient(ctx)
	if err != nil {
		return model.ToolResult{}, err
	}

	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args["user_id"]; !ok && ownerID != "" {
		args["user_id"] = ownerID
	}

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return model.ToolResult{}, fmt.Errorf("tools: call %s: %w", name, err)
	}

	return model.ToolResult{
		IsError: result.IsError,
		Text:    flattenContent(result.Content),
	}, nil
}

// Close tears down the MCP connection if one was established.
func (m *MCPInvoker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

// flattenContent joins the text parts of a tool result. Non-text
// content (images, resources) is skipped; the reasoning loop only
// consumes text observations.
func flattenContent(content []mcplib.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcplib.TextContent:
			parts = append(parts, tc.Text)
		case *mcplib.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
