package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/siherrmann/retriever/core/retrieval"
	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/model"
	"github.com/xeipuuv/gojsonschema"
)

// ToolFunc executes one tool call with already validated arguments
type ToolFunc func(ctx context.Context, arguments json.RawMessage) (string, error)

// Tool pairs a tool definition with its implementation. Arguments are
// validated against the definition's JSON schema before Run is called.
type Tool struct {
	Definition model.ToolDefinition
	Run        ToolFunc
}

// Registry holds the tools offered to the model
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register adds a tool to the registry. The tool's parameter schema must
// compile and names must be unique.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Run == nil || tool.Definition.Name == "" {
		return helper.NewError("tool validation", fmt.Errorf("tool with name and run function is required"))
	}
	if _, exists := r.tools[tool.Definition.Name]; exists {
		return helper.NewError("tool validation", fmt.Errorf("tool %s is already registered", tool.Definition.Name))
	}

	_, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Definition.Parameters))
	if err != nil {
		return helper.NewError("tool schema validation", err)
	}

	r.tools[tool.Definition.Name] = tool
	r.order = append(r.order, tool.Definition.Name)
	return nil
}

// Definitions returns the tool definitions in registration order
func (r *Registry) Definitions() []model.ToolDefinition {
	definitions := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		definitions = append(definitions, r.tools[name].Definition)
	}
	return definitions
}

// Execute validates the arguments of a tool call and runs the tool. Unknown
// tools and invalid arguments are returned as errors so the agent loop can
// feed them back to the model as a tool result.
func (r *Registry) Execute(ctx context.Context, call *model.ToolCall) (string, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	arguments := call.Arguments
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(tool.Definition.Parameters),
		gojsonschema.NewBytesLoader(arguments),
	)
	if err != nil {
		return "", fmt.Errorf("invalid arguments for tool %q: %w", call.Name, err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			reasons = append(reasons, resultErr.String())
		}
		return "", fmt.Errorf("invalid arguments for tool %q: %s", call.Name, strings.Join(reasons, "; "))
	}

	return tool.Run(ctx, arguments)
}

const searchToolSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query"},
		"resource_id": {"type": "string", "description": "Restrict the search to one document"},
		"collection_tag": {"type": "string", "description": "Restrict the search to one collection"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

type searchToolArguments struct {
	Query         string `json:"query"`
	ResourceID    string `json:"resource_id"`
	CollectionTag string `json:"collection_tag"`
}

// NewSearchTool creates the document search tool backed by the retrieval
// engine. Results are rendered as a numbered list the model can cite from.
func NewSearchTool(engine *retrieval.Engine) *Tool {
	return &Tool{
		Definition: model.ToolDefinition{
			Name:        "search_documents",
			Description: "Search the ingested documents for passages relevant to a query. Returns the best matching passages with their source document.",
			Parameters:  json.RawMessage(searchToolSchema),
		},
		Run: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args searchToolArguments
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", fmt.Errorf("unmarshal search arguments: %w", err)
			}

			response, err := engine.Search(ctx, args.Query, model.SearchScope{
				ResourceID:    args.ResourceID,
				CollectionTag: args.CollectionTag,
			})
			if err != nil {
				return "", err
			}

			return FormatSearchResults(response), nil
		},
	}
}

// FormatSearchResults renders a search response as model readable text
func FormatSearchResults(response *retrieval.SearchResponse) string {
	if len(response.Results) == 0 {
		return "No matching passages found."
	}

	var builder strings.Builder
	for i, result := range response.Results {
		if i > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(fmt.Sprintf("[%d] %s (similarity %.2f)\n%s", i+1, result.ResourceName, result.Similarity, result.Content))
	}
	if response.Reformulated {
		builder.WriteString(fmt.Sprintf("\n\n(Found with the reformulated query %q.)", response.Query))
	}
	return builder.String()
}

const listResourcesToolSchema = `{
	"type": "object",
	"properties": {
		"offset": {"type": "integer", "minimum": 0, "description": "Number of resources to skip for paging"}
	},
	"additionalProperties": false
}`

// ResourceLister is the subset of resource operations the listing tool needs
type ResourceLister interface {
	SelectAllResources(limit int, offset int) ([]*model.Resource, error)
}

// NewListResourcesTool creates the tool that lists ingested documents, capped
// to limit resources per page
func NewListResourcesTool(lister ResourceLister, limit int) *Tool {
	return &Tool{
		Definition: model.ToolDefinition{
			Name:        "list_resources",
			Description: "List the ingested documents with their id, filename, collection and ingestion status.",
			Parameters:  json.RawMessage(listResourcesToolSchema),
		},
		Run: func(ctx context.Context, arguments json.RawMessage) (string, error) {
			var args struct {
				Offset int `json:"offset"`
			}
			if err := json.Unmarshal(arguments, &args); err != nil {
				return "", fmt.Errorf("unmarshal list arguments: %w", err)
			}

			resources, err := lister.SelectAllResources(limit, args.Offset)
			if err != nil {
				return "", err
			}
			if len(resources) == 0 {
				return "No documents ingested.", nil
			}

			var builder strings.Builder
			for i, resource := range resources {
				if i > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(fmt.Sprintf("%s  %s  %s  %s", resource.ID, resource.Filename, resource.CollectionTag, resource.Status))
			}
			if len(resources) == limit {
				builder.WriteString(fmt.Sprintf("\n(More documents may exist, repeat with offset %d.)", args.Offset+limit))
			}
			return builder.String(), nil
		},
	}
}
