package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out workflow and run identifiers.
type Generator interface {
	WorkflowID(workflowType string) string
	RunID() string
}

type uuidGenerator struct{}

func UUID() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) WorkflowID(workflowType string) string {
	return fmt.Sprintf("%s-%s", workflowType, uuid.NewString())
}

func (uuidGenerator) RunID() string {
	return uuid.NewString()
}

// Sequence produces predictable identifiers, handy in tests and demos.
type Sequence struct {
	workflows atomic.Int64
	runs      atomic.Int64
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) WorkflowID(workflowType string) string {
	return fmt.Sprintf("%s-%d", workflowType, s.workflows.Add(1))
}

func (s *Sequence) RunID() string {
	return fmt.Sprintf("run-%d", s.runs.Add(1))
}
