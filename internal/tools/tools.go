package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/odoo-graph/internal/graph"
	"github.com/DeusData/odoo-graph/internal/pipeline"
	"github.com/DeusData/odoo-graph/internal/query"
)

// Indexer runs the indexing pipeline over roots.
type Indexer func(ctx context.Context, roots []string, incremental bool) (*pipeline.Stats, error)

// Server wraps the MCP server with tool handlers.
type Server struct {
	mcp     *mcp.Server
	client  graph.Client
	q       *query.Querier
	index   Indexer
	indexMu sync.Mutex
}

// NewServer creates a new MCP server with all tools registered. index may
// be nil, which leaves index_addons out.
func NewServer(c graph.Client, q *query.Querier, index Indexer, version string) *Server {
	srv := &Server{
		client: c,
		q:      q,
		index:  index,
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    "odoo-graph",
				Version: version,
			},
			nil,
		),
	}
	srv.registerTools()
	return srv
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Run serves over stdio until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

const (
	schemaModule = `{
		"type": "object",
		"properties": {
			"module": {"type": "string", "description": "Technical module name (e.g. 'sale')"},
			"reverse": {"type": "boolean", "description": "List the modules depending on it instead"}
		},
		"required": ["module"]
	}`
	schemaModel = `{
		"type": "object",
		"properties": {
			"model": {"type": "string", "description": "Model name (e.g. 'sale.order')"}
		},
		"required": ["model"]
	}`
	schemaOptionalModel = `{
		"type": "object",
		"properties": {
			"model": {"type": "string", "description": "Restrict to one model (optional)"}
		}
	}`
)

func (s *Server) registerTools() {
	if s.index != nil {
		s.mcp.AddTool(&mcp.Tool{
			Name:        "index_addons",
			Description: "Index Odoo addons directories into the graph: modules from manifests, models and fields from Python sources, views from XML data files. Incremental runs skip modules whose files are unchanged.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"paths": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Addons directories; each child directory with a __manifest__.py is a module"
					},
					"incremental": {
						"type": "boolean",
						"description": "Skip modules whose files have not changed since the last run"
					}
				},
				"required": ["paths"]
			}`),
		}, s.handleIndex)
	}

	s.mcp.AddTool(&mcp.Tool{
		Name:        "module_dependencies",
		Description: "List the direct dependencies of a module, or with reverse=true the modules that depend on it, with version and category.",
		InputSchema: json.RawMessage(schemaModule),
	}, s.handleDependencies)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "dependency_path",
		Description: "Find the shortest DEPENDS_ON chain from one module to another. Returns the module names along the chain and its length, or found=false.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"from": {"type": "string", "description": "Dependent module"},
				"to": {"type": "string", "description": "Dependency module"},
				"max_depth": {"type": "integer", "description": "Maximum chain length (1-20, default from configuration)"}
			},
			"required": ["from", "to"]
		}`),
	}, s.handleDependencyPath)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "inheritance_tree",
		Description: "Walk _inherit upward from a model. Depth 0 is the model itself; each row names an ancestor and its distance.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"model": {"type": "string", "description": "Model name (e.g. 'sale.order')"},
				"max_depth": {"type": "integer", "description": "Levels to walk (1-20)"},
				"limit": {"type": "integer", "description": "Max rows (default 100)"}
			},
			"required": ["model"]
		}`),
	}, s.handleInheritanceTree)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "dependency_cycles",
		Description: "Find circular module dependencies. Each cycle is reported once per member module.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"max_depth": {"type": "integer", "description": "Longest cycle to look for (1-20)"}
			}
		}`),
	}, s.handleCycles)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_field",
		Description: "Find fields by name across all models, or on one model. Returns type, label, required flag, comodel and defining module.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Field name (e.g. 'partner_id')"},
				"model": {"type": "string", "description": "Restrict to one model (optional)"}
			},
			"required": ["name"]
		}`),
	}, s.handleFindField)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "model_fields",
		Description: "List every field attached to a model, from all modules that extend it.",
		InputSchema: json.RawMessage(schemaModel),
	}, s.handleModelFields)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "relational_fields",
		Description: "List Many2one, One2many and Many2many fields with their target models.",
		InputSchema: json.RawMessage(schemaOptionalModel),
	}, s.handleRelationalFields)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "computed_fields",
		Description: "List fields with a compute method, and whether they are stored.",
		InputSchema: json.RawMessage(schemaOptionalModel),
	}, s.handleComputedFields)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "model_delegations",
		Description: "List the _inherits delegations of a model: the delegated model and the link field.",
		InputSchema: json.RawMessage(schemaModel),
	}, s.handleDelegations)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "find_model",
		Description: "Locate where a model is defined. Core modules rank first, localization modules last. Accepts table names such as res_partner.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Model name (e.g. 'res.partner')"}
			},
			"required": ["name"]
		}`),
	}, s.handleFindModel)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "model_source",
		Description: "Show the Python source of a model class, read from disk at the indexed file and line.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Model name (e.g. 'res.partner')"},
				"lines": {"type": "integer", "description": "Lines to show from the class statement (default 40, max 400)"}
			},
			"required": ["name"]
		}`),
	}, s.handleModelSource)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "model_views",
		Description: "List the views declared for a model with type, mode, priority and parent view.",
		InputSchema: json.RawMessage(schemaModel),
	}, s.handleViews)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "view_tree",
		Description: "Show the inheritance chain of a view: the views it extends up to the primary one, and the views extending it.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"xml_id": {"type": "string", "description": "Module-qualified view id (e.g. 'base.view_partner_form')"},
				"max_depth": {"type": "integer", "description": "Levels to walk each way (1-20)"}
			},
			"required": ["xml_id"]
		}`),
	}, s.handleViewTree)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "graph_overview",
		Description: "Count modules, models, fields, views, dependencies and inheritance edges, plus a per-label and per-type census.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
	}, s.handleOverview)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "query_graph",
		Description: "Execute a read-only Cypher query. Labels: Module, Model, Field, View. Relationships: DEPENDS_ON, DEFINED_IN, INHERITS_FROM, DELEGATES_TO, BELONGS_TO, REFERENCES, EXTENDS. Supports MATCH, UNWIND, WHERE, shortestPath, variable-length paths and RETURN with ORDER BY/SKIP/LIMIT/DISTINCT.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Cypher query, e.g. MATCH (f:Field)-[:REFERENCES]->(m:Model {name: 'res.partner'}) RETURN f.model_name, f.name LIMIT 20"
				}
			},
			"required": ["query"]
		}`),
	}, s.handleQueryGraph)
}

// jsonResult marshals data to JSON and returns as tool result.
func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal err=" + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}
}

// errResult returns a tool result indicating an error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// parseArgs unmarshals the raw JSON arguments into a map.
func parseArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &m); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return m, nil
}

// getStringArg extracts a string argument from parsed args.
func getStringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// getIntArg extracts an integer argument with a default value.
func getIntArg(args map[string]any, key string, defaultVal int) int {
	f, ok := args[key].(float64) // JSON numbers decode as float64
	if !ok {
		return defaultVal
	}
	return int(f)
}

// getBoolArg extracts a boolean argument from parsed args.
func getBoolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// getStringsArg extracts a list of strings, skipping other element types.
func getStringsArg(args map[string]any, key string) []string {
	items, _ := args[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// required returns the named string argument or an error result.
func required(args map[string]any, key string) (string, *mcp.CallToolResult) {
	v := getStringArg(args, key)
	if v == "" {
		return "", errResult(key + " is required")
	}
	return v, nil
}
