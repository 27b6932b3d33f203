package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultSourceLines = 40
	maxSourceLines     = 400
)

func (s *Server) handleModelSource(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	name, bad := required(args, "name")
	if bad != nil {
		return bad, nil
	}
	n := min(max(getIntArg(args, "lines", defaultSourceLines), 1), maxSourceLines)

	hits, err := s.q.FindModel(ctx, name)
	if err != nil {
		return errResult(fmt.Sprintf("find model: %v", err)), nil
	}
	if len(hits) == 0 {
		return errResult(fmt.Sprintf("model not found: %s", name)), nil
	}
	hit := hits[0]
	if hit.FilePath == "" || hit.Line == 0 {
		return errResult("model has no source location"), nil
	}

	source, readErr := readLines(hit.FilePath, hit.Line, hit.Line+n-1)
	if readErr != nil {
		return errResult(fmt.Sprintf("read file: %v", readErr)), nil
	}

	return jsonResult(map[string]any{
		"name":       hit.Name,
		"module":     hit.Module,
		"file_path":  hit.FilePath,
		"start_line": hit.Line,
		"source":     source,
	}), nil
}

// readLines reads specific lines from a file, returning them with line numbers.
func readLines(path string, startLine, endLine int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum > endLine {
			break
		}
		if lineNum >= startLine {
			fmt.Fprintf(&sb, "%4d | %s\n", lineNum, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("no lines found in range %d-%d (file has %d lines)", startLine, endLine, lineNum)
	}

	return sb.String(), nil
}
