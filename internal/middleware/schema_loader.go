package middleware

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	contextutils "fieldsync/internal/utils"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaLoader holds compiled JSON schemas keyed by name
type SchemaLoader struct {
	schemas map[string]*gojsonschema.Schema
}

// NewSchemaLoader creates an empty schema loader
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// LoadFS compiles every *.json file in dir of fsys. A schema named
// "submission" is read from "submission.json".
func (sl *SchemaLoader) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return contextutils.WrapError(err, "failed to read schema directory")
	}

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return contextutils.WrapErrorf(err, "failed to read schema %s", entry.Name())
		}
		if err := sl.LoadBytes(strings.TrimSuffix(entry.Name(), ".json"), data); err != nil {
			return err
		}
	}
	return nil
}

// LoadBytes compiles one schema document under name
func (sl *SchemaLoader) LoadBytes(name string, data []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to compile schema %s", name)
	}
	sl.schemas[name] = schema
	return nil
}

// Names lists the loaded schemas
func (sl *SchemaLoader) Names() []string {
	names := make([]string, 0, len(sl.schemas))
	for name := range sl.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateData validates a Go value against a schema
func (sl *SchemaLoader) ValidateData(data interface{}, schemaName string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "failed to marshal data")
	}
	return sl.ValidateBytes(jsonData, schemaName)
}

// ValidateBytes validates a JSON document against a schema. Documents that are
// not JSON or do not match yield VALIDATION_FAILED.
func (sl *SchemaLoader) ValidateBytes(data []byte, schemaName string) error {
	schema, exists := sl.schemas[schemaName]
	if !exists {
		return contextutils.ErrorWithContextf("schema %s not found", schemaName)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return contextutils.NewAppErrorWithCause(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"Payload is not valid JSON", err.Error(), err)
	}

	if !result.Valid() {
		var validationErrors []string
		for _, validationErr := range result.Errors() {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", validationErr.Field(), validationErr.Description()))
		}
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"Schema validation failed", strings.Join(validationErrors, "; "))
	}

	return nil
}
