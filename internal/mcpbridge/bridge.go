// Package mcpbridge imports tools from Model Context Protocol servers into a
// playbook tool registry.
//
// The bridge connects to MCP servers via stdio or streamable-HTTP transports
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk),
// discovers each server's tool catalogue, and registers every tool under a
// server-qualified name ("<server>.<tool>") so playbook stages can offer them
// to the model alongside locally registered tools.
//
// Typical usage:
//
//	b := mcpbridge.New(registry)
//	names, err := b.Connect(ctx, mcpbridge.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcpbridge.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-crm-server",
//	})
//	// names == ["crm.lookup_customer", "crm.create_ticket", ...]
//	defer b.Close()
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/llmrtc/llmrtc/internal/playbook"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to reach a single MCP tool server.
type ServerConfig struct {
	// Name is a unique identifier for this server. It prefixes every imported
	// tool name and appears in logs.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is stdio. Ignored for streamable-http.
	Command string

	// URL is the MCP endpoint address used when Transport is streamable-http.
	// Ignored for stdio.
	URL string

	// Env holds additional environment variables injected into the subprocess
	// when Transport is stdio. May be nil.
	Env map[string]string
}

// QualifiedName returns the registry name an imported tool is registered
// under: "<server>.<tool>".
func QualifiedName(server, tool string) string {
	return server + "." + tool
}

// Bridge maintains connections to MCP servers and mirrors their tools into a
// [playbook.ToolRegistry]. Safe for concurrent use.
type Bridge struct {
	registry *playbook.ToolRegistry
	logger   *slog.Logger

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bridge that registers imported tools into registry.
func New(registry *playbook.ToolRegistry, opts ...Option) *Bridge {
	b := &Bridge{
		registry: registry,
		logger:   slog.Default(),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "llmrtc-mcpbridge", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect establishes a session with the server described by cfg, discovers
// its tools, and registers each one into the bridge's registry under its
// qualified name. It returns the list of registered names.
//
// A tool whose qualified name collides with an already registered tool is
// skipped with a warning; the rest of the catalogue is still imported.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) ([]string, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	b.mu.Lock()
	if _, exists := b.sessions[cfg.Name]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("mcpbridge: server %q already connected", cfg.Name)
	}
	b.mu.Unlock()

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcpbridge: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	var registered []string
	for _, t := range discovered {
		name := QualifiedName(cfg.Name, t.Name)
		tool := playbook.Tool{
			Name:        name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			Handler:     b.handlerFor(session, t.Name),
		}
		if err := b.registry.Register(tool); err != nil {
			b.logger.Warn("mcpbridge: skipping tool", "server", cfg.Name, "tool", t.Name, "err", err)
			continue
		}
		registered = append(registered, name)
	}

	b.mu.Lock()
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	b.logger.Info("mcpbridge: server connected",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(registered),
	)
	return registered, nil
}

// handlerFor builds the registry handler that proxies one tool call to the
// server session. The returned value is the concatenated text content of the
// call result.
func (b *Bridge) handlerFor(session *mcpsdk.ClientSession, toolName string) playbook.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: call %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("mcpbridge: tool %q failed: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server sessions. After Close the bridge must not be
// used again; registered handlers will fail their next call.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip. A nil or unconvertible schema yields a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
