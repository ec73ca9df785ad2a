// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes nilmprep tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/nilmprep/internal/inspect"
	"github.com/starford/nilmprep/internal/merge"
	"github.com/starford/nilmprep/internal/source"
	"github.com/starford/nilmprep/internal/store"
)

// Server wraps the MCP server with nilmprep tools.
type Server struct {
	mcp      *server.MCPServer
	merge    *merge.Service
	runs     store.RunRecorder
	defaults merge.Options
}

// New creates a new MCP server with all tools registered. defaults fill
// the merge options a caller leaves out.
func New(svc *merge.Service, runs store.RunRecorder, defaults merge.Options) *Server {
	if runs == nil {
		runs = store.Discard{}
	}
	s := &Server{merge: svc, runs: runs, defaults: defaults}

	s.mcp = server.NewMCPServer(
		"nilmprep",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("merge_folder",
		mcp.WithDescription("Merge every CSV file of a folder into one wide table keyed by timestamp. "+
			"Read the input format first via the nilmprep://input-format resource."),
		mcp.WithString("folder", mcp.Required(), mcp.Description("Folder holding one CSV file per device")),
		mcp.WithString("output", mcp.Required(), mcp.Description("Output file (.csv, .xlsx, .db)")),
		mcp.WithString("mode", mcp.Description("join (default) or concat"), mcp.Enum(merge.ModeJoin, merge.ModeConcat)),
		mcp.WithString("index_column", mcp.Description("Index column name")),
		mcp.WithString("value_column", mcp.Description("Value column name (join mode)")),
		mcp.WithString("manifest", mcp.Description("Optional manifest restricting and naming the inputs")),
		mcp.WithBoolean("no_fill", mcp.Description("Leave missing cells empty instead of filling them")),
	), s.mergeFolder)

	s.mcp.AddTool(mcp.NewTool("list_inputs",
		mcp.WithDescription("List the CSV files of a folder with the column name each one would get."),
		mcp.WithString("folder", mcp.Required(), mcp.Description("Folder to list")),
		mcp.WithString("manifest", mcp.Description("Optional manifest restricting and naming the inputs")),
	), s.listInputs)

	s.mcp.AddTool(mcp.NewTool("inspect_csv",
		mcp.WithDescription("Summarise a CSV file: shape, column types, missing cells and statistics."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the CSV file")),
	), s.inspectCSV)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recorded merge and prepare runs, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	), s.listRuns)

	s.mcp.AddResource(
		mcp.NewResource("nilmprep://input-format", "Input Format",
			mcp.WithResourceDescription("CSV layout expected and produced by the merge tools."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readInputFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) mergeFolder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder, err := req.RequireString("folder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	output, err := req.RequireString("output")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := s.defaults
	opts.Mode = req.GetString("mode", opts.Mode)
	opts.IndexColumn = req.GetString("index_column", opts.IndexColumn)
	opts.ValueColumn = req.GetString("value_column", opts.ValueColumn)
	opts.Manifest = req.GetString("manifest", opts.Manifest)
	if req.GetBool("no_fill", false) {
		opts.Fill = nil
	}

	res, err := s.merge.Merge(ctx, folder, output, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) listInputs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	folder, err := req.RequireString("folder")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fs, err := source.NewFS(folder)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	files, err := merge.Inputs(fs, "", req.GetString("manifest", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = fmt.Sprintf("%s\t%s", f.Path, f.Name)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) inspectCSV(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, err := inspect.DescribeFile(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(summary)
}

func (s *Server) listRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 0))
	runs, err := s.runs.ListRuns(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs recorded"), nil
	}
	return jsonResult(runs)
}

func (s *Server) readInputFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "nilmprep://input-format",
			MIMEType: "text/markdown",
			Text:     InputFormatContract,
		},
	}, nil
}
