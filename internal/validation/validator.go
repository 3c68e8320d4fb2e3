package validation

import (
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// Validator is the two-phase definition validation pipeline: JSON
// Schema first, then semantic analysis. Safe for concurrent use.
type Validator struct {
	js *JSONSchemaValidator
}

// New creates a Validator with the workflow schema pre-compiled.
func New() (*Validator, error) {
	js, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{js: js}, nil
}

// Check runs the full pipeline and returns all issues found. Semantic
// analysis only runs when the schema phase passes; structural garbage
// would produce misleading semantic noise.
func (v *Validator) Check(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.js.ValidateDefinition(def); err != nil {
		var engErr *schema.EngineError
		if e, ok := err.(*schema.EngineError); ok {
			engErr = e
		} else {
			engErr = schema.NewError(schema.ErrCodeValidation, err.Error())
		}
		result.AddError("", engErr.Code, engErr.Message)
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

// ValidateDefinition runs Check and collapses the result into an error.
// Warnings alone do not fail validation.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Check(def).ToError()
}

// ValidateInput validates trigger input against the definition's input
// schema, when one is declared.
func (v *Validator) ValidateInput(def *schema.WorkflowDefinition, input map[string]any) error {
	if def == nil || len(def.InputSchema) == 0 {
		return nil
	}
	return v.js.ValidateInput(input, def.InputSchema)
}
