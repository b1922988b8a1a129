package policy

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// packSchema is the structural contract every pack must satisfy before the
// linter runs. Required-field and unknown-field checks are done by the
// linter so their issue codes and paths stay stable.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "min_gateway_version": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "pattern": {"type": "string"},
          "action": {"enum": ["redact", "deny", "clarify", "lock"]},
          "replacement": {"type": "string"},
          "tag": {"type": "string"},
          "terms": {"type": "array", "items": {"type": "string"}},
          "when": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("pack.schema.json", strings.NewReader(packSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("pack.schema.json")
}

// schemaIssues validates a decoded pack against the structural schema and
// flattens leaf violations into lint issues.
func schemaIssues(doc any) []Issue {
	err := compiledSchema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Severity: SeverityError, Code: CodeSchema, Message: err.Error(), Path: "$"}}
	}
	var out []Issue
	for _, leaf := range leafCauses(ve) {
		out = append(out, Issue{
			Severity: SeverityError,
			Code:     CodeSchema,
			Message:  leaf.Message,
			Path:     "$" + leaf.InstanceLocation,
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}
