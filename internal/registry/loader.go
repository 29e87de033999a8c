package registry

import (
	"errors"
	"fmt"
	"io"

	"github.com/davidroman0O/flowgate/types"
	"gopkg.in/yaml.v3"
)

var ErrDefinitionDocument = errors.New("invalid workflow definition document")

type document struct {
	Definitions []types.WorkflowDefinition `yaml:"definitions"`
}

// Load reads one or more YAML documents, each holding a `definitions` list.
func Load(r io.Reader) ([]types.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var defs []types.WorkflowDefinition
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Join(ErrDefinitionDocument, err)
		}
		for _, def := range doc.Definitions {
			if err := def.Validate(); err != nil {
				return nil, errors.Join(ErrDefinitionDocument, fmt.Errorf("definition %q: %w", def.ID, err))
			}
			defs = append(defs, def)
		}
	}
	return defs, nil
}
