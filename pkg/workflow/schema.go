package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var schemaLog = logger.New("workflow:schema")

//go:embed schemas/workflow_schema.json
var workflowSchemaJSON string

var (
	workflowSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	workflowSchemaErr  error
)

// getCompiledWorkflowSchema compiles the embedded schema once and caches it.
func getCompiledWorkflowSchema() (*jsonschema.Schema, error) {
	workflowSchemaOnce.Do(func() {
		schemaLog.Print("Compiling workflow JSON schema")
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(workflowSchemaJSON)))
		if err != nil {
			workflowSchemaErr = err
			return
		}
		const url = "https://gobby.dev/schemas/workflow.json"
		if err := compiler.AddResource(url, doc); err != nil {
			workflowSchemaErr = err
			return
		}
		compiledSchema, workflowSchemaErr = compiler.Compile(url)
	})
	return compiledSchema, workflowSchemaErr
}

// validateSchema checks a decoded YAML document against the workflow schema.
// The document is round-tripped through JSON so numbers normalize the way the
// validator expects.
func validateSchema(doc any) error {
	schema, err := getCompiledWorkflowSchema()
	if err != nil {
		return errkind.Wrap(errkind.WorkflowLoadError, err, "compile workflow schema")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return errkind.Wrap(errkind.WorkflowLoadError, err, "normalize workflow document")
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errkind.Wrap(errkind.WorkflowLoadError, err, "normalize workflow document")
	}
	if err := schema.Validate(normalized); err != nil {
		return errkind.Wrap(errkind.WorkflowLoadError, err, "workflow schema validation")
	}
	return nil
}
