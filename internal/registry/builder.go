package registry

import (
	"io"
	"os"

	"github.com/davidroman0O/flowgate/types"
)

// BuildFn is a function that builds a registry
type BuildFn func() (*Registry, error)

// Builder collects definitions to register at boot.
type Builder struct {
	definitions []types.WorkflowDefinition
	sources     []func() ([]types.WorkflowDefinition, error)
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Definition(defs ...types.WorkflowDefinition) *Builder {
	b.definitions = append(b.definitions, defs...)
	return b
}

// File adds a YAML definition file, read when the registry is built.
func (b *Builder) File(path string) *Builder {
	b.sources = append(b.sources, func() ([]types.WorkflowDefinition, error) {
		return LoadFile(path)
	})
	return b
}

func (b *Builder) Reader(r io.Reader) *Builder {
	b.sources = append(b.sources, func() ([]types.WorkflowDefinition, error) {
		return Load(r)
	})
	return b
}

// Build finalizes the registry and returns it
func (b *Builder) Build() BuildFn {
	return func() (*Registry, error) {
		r := New()
		for _, def := range b.definitions {
			if err := r.Register(def); err != nil {
				return nil, err
			}
		}
		for _, source := range b.sources {
			defs, err := source()
			if err != nil {
				return nil, err
			}
			for _, def := range defs {
				if err := r.Register(def); err != nil {
					return nil, err
				}
			}
		}
		return r, nil
	}
}

func LoadFile(path string) ([]types.WorkflowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
