package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"opsbridge/internal/domain"
)

// Bridge is the sole path from the executor to specialist logic. It holds
// named tools and validates call arguments against each tool's JSON Schema,
// compiled once at registration. Validation is structural only: malformed
// arguments come back as error results for the reasoner to read, never as a
// task failure, and the bridge runs a tool exactly once per call.
type Bridge struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

type registeredTool struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// NewBridge creates an empty tool bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		tools:  make(map[string]*registeredTool),
		logger: logger,
	}
}

// Register adds a tool and compiles its parameter schema. The clarification
// name is rejected: the executor intercepts it before the bridge is consulted,
// so a tool registered under it could never be invoked.
func (b *Bridge) Register(t domain.Tool) error {
	name := t.Name()
	if name == domain.ToolRequestUserInput {
		return domain.NewDomainError("Bridge.Register", domain.ErrInvalidInput,
			fmt.Sprintf("%q is reserved for clarification requests", name))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tools[name]; exists {
		return domain.NewDomainError("Bridge.Register", domain.ErrDuplicateTool, name)
	}

	compiled, err := compileSchema(t)
	if err != nil {
		return domain.NewSubSystemError("schema", "Bridge.Register", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %v", name, err))
	}

	b.tools[name] = &registeredTool{tool: t, schema: compiled}
	b.logger.Debug("tool registered", "tool", name, "validated", compiled != nil)
	return nil
}

// RegisterAll registers tools in order, stopping at the first failure.
func (b *Bridge) RegisterAll(tools ...domain.Tool) error {
	for _, t := range tools {
		if err := b.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// compileSchema compiles the tool's parameter schema. Tools that declare no
// parameters are registered without a validator.
func compileSchema(t domain.Tool) (*jsonschema.Schema, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled, nil
}

// Invoke validates arguments against the named tool's schema and executes the
// tool once. Schema violations are error results the reasoning loop can
// correct itself from; an unknown tool is an error for the caller to surface.
func (b *Bridge) Invoke(ctx context.Context, toolName string, arguments json.RawMessage) (*domain.ToolResult, error) {
	b.mu.RLock()
	reg, ok := b.tools[toolName]
	b.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("Bridge.Invoke", domain.ErrToolNotFound, toolName)
	}

	// Reasoners may omit the arguments object entirely for no-arg tools.
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	if reg.schema != nil {
		var v any
		if err := json.Unmarshal(arguments, &v); err != nil {
			return &domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("arguments are not valid JSON: %v", err),
			}, nil
		}
		if result := reg.schema.Validate(v); !result.IsValid() {
			return &domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("arguments rejected by schema: %s", result.Error()),
			}, nil
		}
	}

	return reg.tool.Execute(ctx, arguments)
}

// Get retrieves a registered tool by name.
func (b *Bridge) Get(name string) (domain.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	reg, ok := b.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Bridge.Get", domain.ErrToolNotFound, name)
	}
	return reg.tool, nil
}

// Schemas lists registered tool schemas for the reasoner, sorted by name so
// the function list presented to the model is stable between calls.
func (b *Bridge) Schemas() []domain.ToolSchema {
	b.mu.RLock()
	defer b.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(b.tools))
	for _, reg := range b.tools {
		schemas = append(schemas, reg.tool.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Names returns registered tool names in sorted order.
func (b *Bridge) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
