package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/packlab/quotelog/internal/feedback"
	"github.com/packlab/quotelog/internal/proxy"
	"github.com/packlab/quotelog/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Proxy    AskProxy
	Feedback PriceMerger
	Store    *storage.Store
}

// NewMCPServer creates an MCP server with the quotelog tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"quotelog",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("quotelog — packaging price estimates with a durable request log and price feedback."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("estimate_order",
			mcp.WithDescription("Get a packaging price estimate for a free-text order description. Returns the answer and a request id usable with record_price."),
			mcp.WithString("query", mcp.Description("Free-text order description"), mcp.Required()),
		),
		mcpEstimateOrder(deps),
	)

	s.AddTool(
		mcp.NewTool("record_price",
			mcp.WithDescription("Attach the actually paid price to a previously estimated request."),
			mcp.WithString("request_id", mcp.Description("Request id returned by estimate_order"), mcp.Required()),
			mcp.WithNumber("actual_price", mcp.Description("Price actually paid"), mcp.Required()),
		),
		mcpRecordPrice(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"quotelog://recent",
			"Recent Estimates",
			mcp.WithResourceDescription("Last 20 estimate requests (queries and prices)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpEstimateOrder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Proxy.Ask(ctx, query)
		if err != nil {
			if errors.Is(err, proxy.ErrEmptyQuery) {
				return mcpError("query must not be empty"), nil
			}
			return mcpError(fmt.Sprintf("estimate failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"request_id": res.RequestID,
			"answer":     res.Answer,
			"from_cache": res.FromCache,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpRecordPrice(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		actualPrice, err := req.RequireFloat("actual_price")
		if err != nil {
			return mcpError("actual_price is required"), nil
		}

		if err := deps.Feedback.Attach(requestID, actualPrice); err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return mcpError(fmt.Sprintf("no request with id %s", requestID)), nil
			case errors.Is(err, feedback.ErrInvalidPrice):
				return mcpError("actual_price must be a non-negative number"), nil
			}
			return mcpError(fmt.Sprintf("failed to record price: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Recorded price %.2f for request %s", actualPrice, requestID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.ListEntries()
		if err != nil {
			return nil, fmt.Errorf("failed to list log entries: %w", err)
		}
		if len(entries) > 20 {
			entries = entries[:20]
		}

		type entrySummary struct {
			RequestID      string   `json:"request_id"`
			CreatedAt      string   `json:"created_at"`
			Query          string   `json:"query"`
			EstimatedPrice *float64 `json:"estimated_price,omitempty"`
			ActualPrice    *float64 `json:"actual_price,omitempty"`
		}

		summaries := make([]entrySummary, len(entries))
		for i, e := range entries {
			query := e.Query
			if utf8.RuneCountInString(query) > 200 {
				runes := []rune(query)
				query = string(runes[:200]) + "..."
			}
			summaries[i] = entrySummary{
				RequestID:      e.RequestID,
				CreatedAt:      e.CreatedAt.Format(time.RFC3339),
				Query:          query,
				EstimatedPrice: e.EstimatedPrice,
				ActualPrice:    e.ActualPrice,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
