package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *Server) handleOverview(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := s.q.Overview(ctx)
	if err != nil {
		return errResult(fmt.Sprintf("overview: %v", err)), nil
	}
	return jsonResult(o), nil
}
