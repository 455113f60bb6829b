package transfer

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// canonicalFields are the page attributes an import row may carry.
var canonicalFields = []string{
	"lccn", "title", "issue_date", "sequence", "source_system",
	"image_path", "text",
}

// Mapping describes how source columns map onto canonical page fields.
// Columns is keyed by canonical field, valued by the source column name;
// unmapped fields fall back to the canonical name. Defaults fill fields the
// source does not carry. Table names the SQLite source table.
type Mapping struct {
	Columns  map[string]string `json:"columns"`
	Defaults map[string]string `json:"defaults,omitempty"`
	Table    string            `json:"table,omitempty"`
}

const mappingSchema = `{
	"type": "object",
	"properties": {
		"columns": {
			"type": "object",
			"propertyNames": {
				"enum": ["lccn", "title", "issue_date", "sequence",
					"source_system", "image_path", "text"]
			},
			"additionalProperties": {"type": "string", "minLength": 1}
		},
		"defaults": {
			"type": "object",
			"propertyNames": {
				"enum": ["lccn", "title", "issue_date", "sequence",
					"source_system", "image_path", "text"]
			},
			"additionalProperties": {"type": "string"}
		},
		"table": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// LoadMapping reads and validates a mapping document. An empty path yields
// the identity mapping.
func LoadMapping(path string) (*Mapping, error) {
	m := &Mapping{Columns: map[string]string{}, Defaults: map[string]string{}}
	if path == "" {
		return m, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Validation, "cannot read mapping %s: %v", path, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mapping.schema.json", strings.NewReader(mappingSchema)); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	schema, err := compiler.Compile("mapping.schema.json")
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errkind.New(errkind.Validation, "mapping is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errkind.New(errkind.Validation, "invalid mapping: %v", err)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, errkind.New(errkind.Validation, "invalid mapping: %v", err)
	}
	if m.Columns == nil {
		m.Columns = map[string]string{}
	}
	if m.Defaults == nil {
		m.Defaults = map[string]string{}
	}
	return m, nil
}

// column resolves the source column for a canonical field.
func (m *Mapping) column(field string) string {
	if col, ok := m.Columns[field]; ok {
		return col
	}
	return field
}
