package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func (s *Server) handleDependencies(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	module, bad := required(args, "module")
	if bad != nil {
		return bad, nil
	}

	lookup, key := s.q.Dependencies, "dependencies"
	if getBoolArg(args, "reverse") {
		lookup, key = s.q.Dependents, "dependents"
	}
	deps, err := lookup(ctx, module)
	if err != nil {
		return errResult(fmt.Sprintf("%s: %v", key, err)), nil
	}
	return jsonResult(map[string]any{"module": module, key: deps, "total": len(deps)}), nil
}

func (s *Server) handleDependencyPath(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	from, bad := required(args, "from")
	if bad != nil {
		return bad, nil
	}
	to, bad := required(args, "to")
	if bad != nil {
		return bad, nil
	}

	p, err := s.q.DependencyPath(ctx, from, to, getIntArg(args, "max_depth", 0))
	if err != nil {
		return errResult(fmt.Sprintf("dependency path: %v", err)), nil
	}
	if p == nil {
		return jsonResult(map[string]any{"from": from, "to": to, "found": false}), nil
	}
	return jsonResult(map[string]any{"from": from, "to": to, "found": true, "path": p.Modules, "depth": p.Depth}), nil
}

func (s *Server) handleInheritanceTree(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	model, bad := required(args, "model")
	if bad != nil {
		return bad, nil
	}
	rows, err := s.q.InheritanceTree(ctx, model, getIntArg(args, "max_depth", 0), getIntArg(args, "limit", 0))
	if err != nil {
		return errResult(fmt.Sprintf("inheritance tree: %v", err)), nil
	}
	return jsonResult(map[string]any{"model": model, "tree": rows}), nil
}

func (s *Server) handleCycles(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	cycles, err := s.q.Cycles(ctx, getIntArg(args, "max_depth", 0))
	if err != nil {
		return errResult(fmt.Sprintf("cycles: %v", err)), nil
	}
	return jsonResult(map[string]any{"cycles": cycles, "total": len(cycles)}), nil
}

func (s *Server) handleFindField(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	name, bad := required(args, "name")
	if bad != nil {
		return bad, nil
	}
	hits, err := s.q.FindField(ctx, name, getStringArg(args, "model"))
	if err != nil {
		return errResult(fmt.Sprintf("find field: %v", err)), nil
	}
	return jsonResult(map[string]any{"fields": hits, "total": len(hits)}), nil
}

func (s *Server) handleModelFields(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	model, bad := required(args, "model")
	if bad != nil {
		return bad, nil
	}
	fields, err := s.q.ModelFields(ctx, model)
	if err != nil {
		return errResult(fmt.Sprintf("model fields: %v", err)), nil
	}
	return jsonResult(map[string]any{"model": model, "fields": fields, "total": len(fields)}), nil
}

func (s *Server) handleRelationalFields(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	fields, err := s.q.RelationalFields(ctx, getStringArg(args, "model"))
	if err != nil {
		return errResult(fmt.Sprintf("relational fields: %v", err)), nil
	}
	return jsonResult(map[string]any{"fields": fields, "total": len(fields)}), nil
}

func (s *Server) handleComputedFields(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	fields, err := s.q.ComputedFields(ctx, getStringArg(args, "model"))
	if err != nil {
		return errResult(fmt.Sprintf("computed fields: %v", err)), nil
	}
	return jsonResult(map[string]any{"fields": fields, "total": len(fields)}), nil
}

func (s *Server) handleDelegations(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	model, bad := required(args, "model")
	if bad != nil {
		return bad, nil
	}
	d, err := s.q.Delegations(ctx, model)
	if err != nil {
		return errResult(fmt.Sprintf("delegations: %v", err)), nil
	}
	return jsonResult(map[string]any{"model": model, "delegations": d}), nil
}

func (s *Server) handleFindModel(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	name, bad := required(args, "name")
	if bad != nil {
		return bad, nil
	}
	hits, err := s.q.FindModel(ctx, name)
	if err != nil {
		return errResult(fmt.Sprintf("find model: %v", err)), nil
	}
	return jsonResult(map[string]any{"name": name, "models": hits, "total": len(hits)}), nil
}

func (s *Server) handleViews(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	model, bad := required(args, "model")
	if bad != nil {
		return bad, nil
	}
	views, err := s.q.Views(ctx, model)
	if err != nil {
		return errResult(fmt.Sprintf("views: %v", err)), nil
	}
	return jsonResult(map[string]any{"model": model, "views": views, "total": len(views)}), nil
}

func (s *Server) handleViewTree(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	id, bad := required(args, "xml_id")
	if bad != nil {
		return bad, nil
	}
	tree, err := s.q.ViewTree(ctx, id, getIntArg(args, "max_depth", 0))
	if err != nil {
		return errResult(fmt.Sprintf("view tree: %v", err)), nil
	}
	return jsonResult(map[string]any{"xml_id": id, "ancestors": tree.Ancestors, "extensions": tree.Extensions}), nil
}
