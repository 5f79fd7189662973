package mailbox

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed response.schema.json
var responseSchemaJSON string

const responseSchemaURL = "https://flbridge.local/response.schema.json"

// compileResponseSchema compiles the embedded response envelope schema.
func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(responseSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	sch, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return sch, nil
}

// validateResponse checks raw response bytes against the schema.
func validateResponse(sch *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}
