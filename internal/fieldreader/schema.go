package fieldreader

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateAgainstSchema runs an optional pre-check of a raw repositories
// document against schemaJSON before any Reader touches it. A violation is
// reported as a single descriptive error; callers treat it as fatal.
func ValidateAgainstSchema(schemaJSON, documentJSON []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	docLoader := gojsonschema.NewBytesLoader(documentJSON)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("fieldreader: schema validation: %w", err)
	}

	if result.Valid() {
		return nil
	}

	msg := "fieldreader: document violates schema:"

	for _, re := range result.Errors() {
		msg += " " + re.String() + ";"
	}

	return fmt.Errorf("%s", msg)
}
