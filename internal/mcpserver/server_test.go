package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/protocol"
)

type call struct {
	operation string
	params    map[string]any
}

type fakeExecutor struct {
	reg *catalog.Registry

	mu     sync.Mutex
	calls  []call
	result func(operation string, params map[string]any) protocol.Result
}

func (f *fakeExecutor) Execute(_ context.Context, operation string, params map[string]any, _ time.Duration) protocol.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call{operation: operation, params: params})
	f.mu.Unlock()
	if f.result != nil {
		return f.result(operation, params)
	}
	return protocol.Result{Success: true, Data: json.RawMessage(`{"operation":"` + operation + `"}`)}
}

func (f *fakeExecutor) Catalog() *catalog.Registry { return f.reg }

func (f *fakeExecutor) last(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls, "executor was not called")
	return f.calls[len(f.calls)-1]
}

func newClient(t *testing.T, exec *fakeExecutor) *mcpclient.Client {
	t.Helper()
	srv := New(exec, "test", slog.Default())

	c, err := mcpclient.NewInProcessClient(srv.MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fontbridge-test", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return c
}

func newFake(t *testing.T) *fakeExecutor {
	t.Helper()
	reg, err := catalog.Builtin()
	require.NoError(t, err)
	return &fakeExecutor{reg: reg}
}

func textOf(t *testing.T, content []mcp.Content) string {
	t.Helper()
	require.Len(t, content, 1)
	tc, ok := mcp.AsTextContent(content[0])
	require.True(t, ok, "expected text content, got %T", content[0])
	return tc.Text
}

func TestListToolsMirrorsCatalog(t *testing.T) {
	exec := newFake(t)
	c := newClient(t, exec)

	resp, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Tools, exec.reg.Len())

	byName := map[string]mcp.Tool{}
	for _, tool := range resp.Tools {
		byName[tool.Name] = tool
	}

	kern, ok := byName["set_kerning_pair"]
	require.True(t, ok)
	require.NotNil(t, kern.Annotations.ReadOnlyHint)
	assert.False(t, *kern.Annotations.ReadOnlyHint)

	glyph, ok := byName["get_glyph"]
	require.True(t, ok)
	require.NotNil(t, glyph.Annotations.ReadOnlyHint)
	assert.True(t, *glyph.Annotations.ReadOnlyHint)

	raw, err := json.Marshal(glyph)
	require.NoError(t, err)
	var decoded struct {
		InputSchema struct {
			Type       string         `json:"type"`
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		} `json:"inputSchema"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "object", decoded.InputSchema.Type)
	assert.Contains(t, decoded.InputSchema.Properties, "name")
	assert.Contains(t, decoded.InputSchema.Required, "name")
}

func TestCallToolSuccess(t *testing.T) {
	exec := newFake(t)
	c := newClient(t, exec)

	req := mcp.CallToolRequest{}
	req.Params.Name = "get_glyph"
	req.Params.Arguments = map[string]any{"name": "A"}
	resp, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.IsError)

	var res protocol.Result
	require.NoError(t, json.Unmarshal([]byte(textOf(t, resp.Content)), &res))
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"operation":"get_glyph"}`, string(res.Data))

	got := exec.last(t)
	assert.Equal(t, "get_glyph", got.operation)
	assert.Equal(t, "A", got.params["name"])
}

func TestCallToolFailureIsError(t *testing.T) {
	exec := newFake(t)
	exec.result = func(string, map[string]any) protocol.Result {
		return protocol.Result{Error: "validation error: name: contains a disallowed character (quote)", Category: protocol.CategoryValidation}
	}
	c := newClient(t, exec)

	req := mcp.CallToolRequest{}
	req.Params.Name = "get_glyph"
	req.Params.Arguments = map[string]any{"name": `A"); import os #`}
	resp, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.IsError)

	text := textOf(t, resp.Content)
	assert.Contains(t, text, string(protocol.CategoryValidation))
	assert.NotContains(t, text, "import os")
}

func TestCallToolWithoutArguments(t *testing.T) {
	exec := newFake(t)
	c := newClient(t, exec)

	req := mcp.CallToolRequest{}
	req.Params.Name = "get_current_font"
	resp, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.NotNil(t, exec.last(t).params)
}

func TestListResources(t *testing.T) {
	c := newClient(t, newFake(t))

	resources, err := c.ListResources(context.Background(), mcp.ListResourcesRequest{})
	require.NoError(t, err)
	uris := make([]string, 0, len(resources.Resources))
	for _, r := range resources.Resources {
		uris = append(uris, r.URI)
	}
	assert.ElementsMatch(t, []string{URIFontCurrent, URIFontGlyphs, URIFontInfo}, uris)

	templates, err := c.ListResourceTemplates(context.Background(), mcp.ListResourceTemplatesRequest{})
	require.NoError(t, err)
	require.Len(t, templates.ResourceTemplates, 1)
}

func TestReadResources(t *testing.T) {
	tests := []struct {
		uri       string
		operation string
		params    map[string]any
	}{
		{URIFontCurrent, "get_current_font", nil},
		{URIFontGlyphs, "list_glyphs", nil},
		{URIFontInfo, "get_current_font", nil},
		{"fontlab://glyph/a.sc", "get_glyph", map[string]any{"name": "a.sc"}},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			exec := newFake(t)
			c := newClient(t, exec)

			req := mcp.ReadResourceRequest{}
			req.Params.URI = tt.uri
			resp, err := c.ReadResource(context.Background(), req)
			require.NoError(t, err)
			require.Len(t, resp.Contents, 1)

			text, ok := resp.Contents[0].(mcp.TextResourceContents)
			require.True(t, ok, "expected text contents, got %T", resp.Contents[0])
			assert.Equal(t, "application/json", text.MIMEType)
			assert.JSONEq(t, `{"operation":"`+tt.operation+`"}`, text.Text)

			got := exec.last(t)
			assert.Equal(t, tt.operation, got.operation)
			if tt.params != nil {
				assert.Equal(t, tt.params, got.params)
			}
		})
	}
}

func TestReadResourceFailure(t *testing.T) {
	exec := newFake(t)
	exec.result = func(string, map[string]any) protocol.Result {
		return protocol.Result{Error: "No font is open", Category: protocol.CategoryNoActiveContext}
	}
	c := newClient(t, exec)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = URIFontCurrent
	_, err := c.ReadResource(context.Background(), req)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "No font is open"))
}

func TestGlyphNameFromURI(t *testing.T) {
	name, err := glyphNameFromURI("fontlab://glyph/f_f_i")
	require.NoError(t, err)
	assert.Equal(t, "f_f_i", name)

	name, err = glyphNameFromURI("fontlab://glyph/A%22")
	require.NoError(t, err)
	assert.Equal(t, `A"`, name, "decoded names still go through validation")

	_, err = glyphNameFromURI("fontlab://glyph/")
	assert.Error(t, err)
	_, err = glyphNameFromURI("fontlab://font/current")
	assert.Error(t, err)
	_, err = glyphNameFromURI("fontlab://glyph/%zz")
	assert.Error(t, err)
}
