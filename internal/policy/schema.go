package policy

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bastionhq/bastion/internal/capability"
)

// SchemaGate validates intent parameters against a configured JSON Schema
// for the "capability:action" pair. Intents without a configured schema pass.
// Schema compilation failures deny: a rule we cannot enforce must not be
// silently skipped.
type SchemaGate struct{}

func NewSchemaGate() *SchemaGate { return &SchemaGate{} }

func (g *SchemaGate) Name() string { return "param_schema" }

func (g *SchemaGate) Check(intent capability.ActionIntent, cfg *Config) *Violation {
	if len(cfg.ParamSchemas) == 0 {
		return nil
	}
	schema, ok := cfg.ParamSchemas[intent.Capability.String()+":"+intent.Action]
	if !ok {
		return nil
	}

	if issue := validateParams(intent.ParamsJSON, schema); issue != "" {
		return &Violation{Rule: g.Name(), Detail: issue}
	}
	return nil
}

func validateParams(paramsJSON string, schema map[string]any) string {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Sprintf("invalid param schema: %v", err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Sprintf("schema unmarshal error: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}

	if paramsJSON == "" {
		paramsJSON = "{}"
	}
	var params any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Sprintf("parameters are not valid JSON: %v", err)
	}

	if err := sch.Validate(params); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	return ""
}
