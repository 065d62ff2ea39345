// Package mcpserver exposes the operation catalog as MCP tools and resources
// over stdio.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mattjoyce/fontbridge/internal/catalog"
	"github.com/mattjoyce/fontbridge/internal/protocol"
)

const serverName = "fontlab-bridge"

// Resource URIs.
const (
	URIFontCurrent = "fontlab://font/current"
	URIFontGlyphs  = "fontlab://font/current/glyphs"
	URIFontInfo    = "fontlab://font/info"
	URIGlyph       = "fontlab://glyph/{name}"

	glyphPrefix = "fontlab://glyph/"
)

// Executor runs catalog operations. *bridge.Bridge satisfies it.
type Executor interface {
	Execute(ctx context.Context, operation string, params map[string]any, timeout time.Duration) protocol.Result
	Catalog() *catalog.Registry
}

// Server adapts an Executor to MCP.
type Server struct {
	exec   Executor
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New builds an MCP server with one tool per catalog operation.
func New(exec Executor, version string, logger *slog.Logger) *Server {
	s := &Server{
		exec:   exec,
		logger: logger,
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithInstructions("Inspect and edit the font open in FontLab. Every tool runs one catalog operation; parameters are validated before anything reaches the editor."),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithRecovery(),
		),
	}

	for _, op := range exec.Catalog().All() {
		s.mcp.AddTool(toolFor(op), s.handleTool(op.Name))
	}
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in and out until ctx ends or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, errLog io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(stdlog.New(errLog, "mcp: ", stdlog.LstdFlags))
	s.logger.Info("MCP server listening on stdio", "tools", s.exec.Catalog().Len())
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func toolFor(op *catalog.Operation) mcp.Tool {
	schema, err := json.Marshal(op.InputSchema())
	if err != nil {
		schema = []byte(`{"type":"object"}`)
	}
	tool := mcp.NewToolWithRawSchema(op.Name, op.Description, schema)
	tool.Annotations.ReadOnlyHint = mcp.ToBoolPtr(!op.IsWrite())
	tool.Annotations.DestructiveHint = mcp.ToBoolPtr(op.IsWrite())
	tool.Annotations.OpenWorldHint = mcp.ToBoolPtr(false)
	return tool
}

func (s *Server) handleTool(operation string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		res := s.exec.Execute(ctx, operation, args, 0)

		body, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError("failed to encode result"), nil
		}
		out := mcp.NewToolResultText(string(body))
		out.IsError = !res.Success
		return out, nil
	}
}

func (s *Server) registerResources() {
	fixed := []struct {
		uri, name, desc, operation string
	}{
		{URIFontCurrent, "Current Font", "Information about the currently open font", "get_current_font"},
		{URIFontGlyphs, "Font Glyphs", "All glyphs in the current font", "list_glyphs"},
		{URIFontInfo, "Font Info", "Detailed font metadata", "get_current_font"},
	}
	for _, r := range fixed {
		if _, ok := s.exec.Catalog().Get(r.operation); !ok {
			continue
		}
		operation := r.operation
		s.mcp.AddResource(
			mcp.NewResource(r.uri, r.name,
				mcp.WithResourceDescription(r.desc),
				mcp.WithMIMEType("application/json"),
			),
			func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				return s.readResource(ctx, request.Params.URI, operation, nil)
			},
		)
	}

	if _, ok := s.exec.Catalog().Get("get_glyph"); ok {
		s.mcp.AddResourceTemplate(
			mcp.NewResourceTemplate(URIGlyph, "Glyph",
				mcp.WithTemplateDescription("Detailed information about a glyph, by name"),
				mcp.WithTemplateMIMEType("application/json"),
			),
			func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
				name, err := glyphNameFromURI(request.Params.URI)
				if err != nil {
					return nil, err
				}
				return s.readResource(ctx, request.Params.URI, "get_glyph", map[string]any{"name": name})
			},
		)
	}
}

func (s *Server) readResource(ctx context.Context, uri, operation string, params map[string]any) ([]mcp.ResourceContents, error) {
	res := s.exec.Execute(ctx, operation, params, 0)
	if !res.Success {
		return nil, fmt.Errorf("%s: %s", res.Category, res.Error)
	}

	text := "null"
	if len(res.Data) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, res.Data, "", "  "); err == nil {
			text = buf.String()
		} else {
			text = string(res.Data)
		}
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: text},
	}, nil
}

// glyphNameFromURI extracts the glyph segment. Validation of the name itself
// happens in the bridge.
func glyphNameFromURI(uri string) (string, error) {
	raw, ok := strings.CutPrefix(uri, glyphPrefix)
	if !ok || raw == "" {
		return "", errors.New("glyph name is required")
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.New("glyph name is not a valid URI segment")
	}
	return name, nil
}
