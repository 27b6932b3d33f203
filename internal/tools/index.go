package tools

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *Server) handleIndex(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	paths := getStringsArg(args, "paths")
	if len(paths) == 0 {
		return errResult("paths is required"), nil
	}
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errResult(fmt.Sprintf("invalid path: %v", err)), nil
		}
		roots = append(roots, abs)
	}

	// One run at a time; the watcher shares this server's indexer.
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	stats, err := s.index(ctx, roots, getBoolArg(args, "incremental"))
	if err != nil {
		return errResult(fmt.Sprintf("indexing failed: %v", err)), nil
	}
	return jsonResult(stats), nil
}
