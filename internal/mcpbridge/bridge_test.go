package mcpbridge

import (
	"context"
	"testing"

	"github.com/llmrtc/llmrtc/internal/playbook"
)

func TestTransportIsValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		transport Transport
		want      bool
	}{
		{TransportStdio, true},
		{TransportStreamableHTTP, true},
		{Transport(""), false},
		{Transport("websocket"), false},
	}
	for _, tc := range cases {
		if got := tc.transport.IsValid(); got != tc.want {
			t.Errorf("Transport(%q).IsValid() = %v, want %v", tc.transport, got, tc.want)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	t.Parallel()

	if got := QualifiedName("crm", "lookup_customer"); got != "crm.lookup_customer" {
		t.Errorf("QualifiedName = %q, want %q", got, "crm.lookup_customer")
	}
}

func TestConnectRejectsEmptyName(t *testing.T) {
	t.Parallel()
	b := New(playbook.NewToolRegistry())
	defer b.Close()

	_, err := b.Connect(context.Background(), ServerConfig{
		Transport: TransportStdio,
		Command:   "/bin/true",
	})
	if err == nil {
		t.Error("expected error for empty server name, got nil")
	}
}

func TestConnectRejectsUnknownTransport(t *testing.T) {
	t.Parallel()
	b := New(playbook.NewToolRegistry())
	defer b.Close()

	_, err := b.Connect(context.Background(), ServerConfig{
		Name:      "bad",
		Transport: Transport("carrier-pigeon"),
	})
	if err == nil {
		t.Error("expected error for unknown transport, got nil")
	}
}

func TestConnectRejectsStdioWithoutCommand(t *testing.T) {
	t.Parallel()
	b := New(playbook.NewToolRegistry())
	defer b.Close()

	_, err := b.Connect(context.Background(), ServerConfig{
		Name:      "tools",
		Transport: TransportStdio,
	})
	if err == nil {
		t.Error("expected error for stdio server without command, got nil")
	}
}

func TestConnectRejectsHTTPWithoutURL(t *testing.T) {
	t.Parallel()
	b := New(playbook.NewToolRegistry())
	defer b.Close()

	_, err := b.Connect(context.Background(), ServerConfig{
		Name:      "tools",
		Transport: TransportStreamableHTTP,
	})
	if err == nil {
		t.Error("expected error for streamable-http server without URL, got nil")
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	t.Run("nil yields bare object", func(t *testing.T) {
		got := schemaToMap(nil)
		if got["type"] != "object" {
			t.Errorf("schemaToMap(nil) = %v, want bare object schema", got)
		}
	})

	t.Run("map passes through", func(t *testing.T) {
		in := map[string]any{"type": "object", "properties": map[string]any{}}
		got := schemaToMap(in)
		if got["type"] != "object" {
			t.Errorf("type = %v, want object", got["type"])
		}
	})

	t.Run("struct round-trips through JSON", func(t *testing.T) {
		type schema struct {
			Type string `json:"type"`
		}
		got := schemaToMap(schema{Type: "object"})
		if got["type"] != "object" {
			t.Errorf("type = %v, want object", got["type"])
		}
	})
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		wantExec string
		wantArgs int
	}{
		{"/bin/foo --bar baz", "/bin/foo", 2},
		{"mcp-server", "mcp-server", 0},
		{"", "", 0},
		{"   ", "", 0},
	}
	for _, tc := range cases {
		exec, args := splitCommand(tc.in)
		if exec != tc.wantExec || len(args) != tc.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %d args), want (%q, %d args)",
				tc.in, exec, len(args), tc.wantExec, tc.wantArgs)
		}
	}
}
