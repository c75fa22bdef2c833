package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/haasonsaas/relay/pkg/models"
)

// MCPServerConfig describes one MCP tool server reachable over stdio.
type MCPServerConfig struct {
	// Name is the routing prefix: tools are addressed as "name/tool".
	Name string

	Command string
	Args    []string
	Env     map[string]string
}

// MCPRouter routes "server/tool" names to MCP servers. Connections are
// established lazily on first use and tool listings are cached per server.
type MCPRouter struct {
	mu      sync.Mutex
	servers map[string]*mcpServer
}

type mcpServer struct {
	cfg MCPServerConfig

	once   sync.Once
	client *client.Client
	tools  []Definition
	err    error
}

// NewMCPRouter creates a router over the given server configurations.
func NewMCPRouter(configs []MCPServerConfig) *MCPRouter {
	r := &MCPRouter{servers: make(map[string]*mcpServer, len(configs))}
	for _, cfg := range configs {
		r.servers[cfg.Name] = &mcpServer{cfg: cfg}
	}
	return r
}

// Route splits a "server/tool" name. ok is false when the name has no known
// server prefix.
func (r *MCPRouter) Route(name string) (server, tool string, ok bool) {
	idx := strings.IndexByte(name, '/')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	server, tool = name[:idx], name[idx+1:]
	r.mu.Lock()
	_, known := r.servers[server]
	r.mu.Unlock()
	if !known {
		return "", "", false
	}
	return server, tool, true
}

// Tools returns the tool definitions exposed by the named server, with
// names qualified by the server prefix.
func (r *MCPRouter) Tools(ctx context.Context, server string) ([]Definition, error) {
	s, err := r.connected(ctx, server)
	if err != nil {
		return nil, err
	}
	return s.tools, nil
}

// Call invokes a remote tool and converts its content to tool output parts.
func (r *MCPRouter) Call(ctx context.Context, server, tool string, input json.RawMessage) ([]models.ToolOutputPart, error) {
	s, err := r.connected(ctx, server)
	if err != nil {
		return nil, err
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("decode tool input: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s/%s: %w", server, tool, err)
	}

	var out []models.ToolOutputPart
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			out = append(out, models.ToolOutputPart{Type: "text", Text: text.Text})
		}
	}
	if resp.IsError {
		return out, fmt.Errorf("mcp tool %s/%s returned an error", server, tool)
	}
	return out, nil
}

// Close shuts down all connected clients.
func (r *MCPRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.servers {
		if s.client != nil {
			s.client.Close()
		}
	}
}

func (r *MCPRouter) connected(ctx context.Context, server string) (*mcpServer, error) {
	r.mu.Lock()
	s, ok := r.servers[server]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown mcp server: %s", server)
	}

	s.once.Do(func() { s.err = s.connect(ctx) })
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

func (s *mcpServer) connect(ctx context.Context) error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create mcp client %s: %w", s.cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("start mcp client %s: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "relay", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize mcp server %s: %w", s.cfg.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("list mcp tools %s: %w", s.cfg.Name, err)
	}

	for _, t := range listResp.Tools {
		schemaJSON, err := json.Marshal(t.InputSchema)
		if err != nil {
			schemaJSON = nil
		}
		s.tools = append(s.tools, Definition{
			Name:        s.cfg.Name + "/" + t.Name,
			Description: t.Description,
			InputSchema: schemaJSON,
		})
	}

	s.client = mcpClient
	return nil
}
