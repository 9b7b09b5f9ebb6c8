package pricesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers pricesync tools on an MCP server: sync trigger,
// status, item search and the missing-item review.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSyncTool(srv)
	s.registerStatusTool(srv)
	s.registerSearchTool(srv)
	s.registerMissingTools(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

// addTool wraps endpoint as a tool handler. Endpoint errors become tool
// errors; the result is returned as JSON text.
func addTool(srv *mcp.Server, tool *mcp.Tool, endpoint func(ctx context.Context, args json.RawMessage) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := endpoint(ctx, req.Params.Arguments)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// --- sync ---

type syncReq struct {
	Wait bool `json:"wait"`
}

func (s *Service) registerSyncTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "pricesync_sync",
		Description: "Start a sync run. By default the run continues in the background; " +
			"with wait=true the call returns the run report.",
		InputSchema: inputSchema(map[string]any{
			"wait": map[string]any{"type": "boolean", "description": "Wait for the run and return its report"},
		}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var r syncReq
		if err := decodeArgs(args, &r); err != nil {
			return nil, err
		}
		if r.Wait {
			rep, err := s.Run(ctx)
			if err != nil {
				return nil, err
			}
			return rep, nil
		}
		if err := s.Trigger(s.life); err != nil {
			return nil, err
		}
		return map[string]string{"status": "started"}, nil
	})
}

// --- status ---

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricesync_status",
		Description: "Database counters, feed validators, last run and whether a run is in progress.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	addTool(srv, tool, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return s.Status(ctx)
	})
}

// --- search ---

type searchReq struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Service) registerSearchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pricesync_search_items",
		Description: "Search items by name or SKU prefix.",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Words to match"},
			"limit": map[string]any{"type": "integer", "description": "Maximum results (default 50)"},
		}, []string{"query"}),
	}
	addTool(srv, tool, func(ctx context.Context, args json.RawMessage) (any, error) {
		var r searchReq
		if err := decodeArgs(args, &r); err != nil {
			return nil, err
		}
		if r.Limit <= 0 {
			r.Limit = 50
		}
		items, err := s.SearchItems(ctx, r.Query, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items}, nil
	})
}

// --- missing ---

func (s *Service) registerMissingTools(srv *mcp.Server) {
	addTool(srv, &mcp.Tool{
		Name:        "pricesync_missing_list",
		Description: "List SKUs staged as absent from the feed.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		items, err := s.ListMissing(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "pricesync_missing_confirm",
		Description: "Delete the staged SKUs together with their snapshot history. Refused while a run is in progress.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		n, err := s.ConfirmMissing(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": n}, nil
	})

	addTool(srv, &mcp.Tool{
		Name:        "pricesync_missing_discard",
		Description: "Clear the staging list and keep the items.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		n, err := s.DiscardMissing(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"discarded": n}, nil
	})
}
