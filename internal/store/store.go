package store

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/flowgate/types"
	"github.com/hashicorp/go-memdb"
)

const tableExecutions = "executions"

const (
	indexID       = "id"
	indexWorkflow = "workflow"
	indexType     = "type"
	indexState    = "state"
	indexActive   = "active"
)

var ErrInvalidExecution = errors.New("invalid workflow execution")

// row is what memdb indexes. go-memdb only indexes string fields through
// StringFieldIndex, so the state is kept in its textual form next to the
// record.
type row struct {
	RunID        string
	WorkflowID   string
	WorkflowType string
	State        string
	StartedAt    time.Time
	// Seq orders runs stored in the same instant; assigned on first insert.
	Seq       uint64
	Execution types.WorkflowExecution
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "RunID"},
					},
					indexWorkflow: {
						Name:    indexWorkflow,
						Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"},
					},
					indexType: {
						Name:         indexType,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "WorkflowType"},
					},
					indexState: {
						Name:    indexState,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					indexActive: {
						Name: indexActive,
						Indexer: &memdb.ConditionalIndex{
							Conditional: func(obj interface{}) (bool, error) {
								r, ok := obj.(*row)
								if !ok {
									return false, fmt.Errorf("unexpected object %T", obj)
								}
								return !r.Execution.IsTerminal(), nil
							},
						},
					},
				},
			},
		},
	}
}

// Store is the authoritative table of workflow executions. Records are
// cloned on write and on read; a row inside memdb is never mutated, so every
// read transaction sees a consistent snapshot of each record.
type Store struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create execution store: %w", err)
	}
	return &Store{db: db}, nil
}

// Put inserts or replaces the record of exec.RunID. A record that already
// reached a terminal state is frozen and cannot be replaced.
func (s *Store) Put(exec types.WorkflowExecution) error {
	if exec.RunID == "" || exec.WorkflowID == "" {
		return errors.Join(ErrInvalidExecution, fmt.Errorf("workflow %q run %q: ids are required", exec.WorkflowID, exec.RunID))
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, indexID, exec.RunID)
	if err != nil {
		return fmt.Errorf("failed to read run %s: %w", exec.RunID, err)
	}
	var seq uint64
	if raw != nil {
		prev := raw.(*row)
		if prev.Execution.IsTerminal() {
			return fmt.Errorf("run %s is %s: %w", exec.RunID, prev.Execution.State, types.ErrTerminalState)
		}
		seq = prev.Seq
	} else {
		seq = s.seq.Add(1)
	}

	if err := txn.Insert(tableExecutions, &row{
		RunID:        exec.RunID,
		WorkflowID:   exec.WorkflowID,
		WorkflowType: exec.WorkflowType,
		State:        exec.State.String(),
		StartedAt:    exec.StartedAt,
		Seq:          seq,
		Execution:    exec.Clone(),
	}); err != nil {
		return fmt.Errorf("failed to store run %s: %w", exec.RunID, err)
	}
	txn.Commit()
	return nil
}

// Get returns the latest run of workflowID.
func (s *Store) Get(workflowID string) (types.WorkflowExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, indexWorkflow, workflowID)
	if err != nil {
		return types.WorkflowExecution{}, fmt.Errorf("failed to read workflow %s: %w", workflowID, err)
	}
	var latest *row
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*row)
		if latest == nil || newer(r, latest) {
			latest = r
		}
	}
	if latest == nil {
		return types.WorkflowExecution{}, types.ErrExecutionNotFound
	}
	return latest.Execution.Clone(), nil
}

// newer orders runs by start time, then by insertion.
func newer(a, b *row) bool {
	if a.StartedAt.Equal(b.StartedAt) {
		return a.Seq > b.Seq
	}
	return a.StartedAt.After(b.StartedAt)
}

func (s *Store) GetRun(runID string) (types.WorkflowExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, indexID, runID)
	if err != nil {
		return types.WorkflowExecution{}, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	if raw == nil {
		return types.WorkflowExecution{}, types.ErrExecutionNotFound
	}
	return raw.(*row).Execution.Clone(), nil
}

// List returns the page of executions matching filter, most recent first.
// The total is the number of matches before paging.
func (s *Store) List(filter types.ListFilter) (types.ListResult, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.State != nil:
		it, err = txn.Get(tableExecutions, indexState, filter.State.String())
	case filter.WorkflowType != "":
		it, err = txn.Get(tableExecutions, indexType, filter.WorkflowType)
	default:
		it, err = txn.Get(tableExecutions, indexID)
	}
	if err != nil {
		return types.ListResult{}, fmt.Errorf("failed to list executions: %w", err)
	}

	var matches []*row
	for obj := it.Next(); obj != nil; obj = it.Next() {
		r := obj.(*row)
		if filter.Matches(r.Execution) {
			matches = append(matches, r)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return newer(matches[i], matches[j])
	})

	result := types.ListResult{
		Executions: []types.WorkflowExecution{},
		Total:      len(matches),
	}
	if filter.Offset >= len(matches) {
		return result, nil
	}
	page := matches[max(filter.Offset, 0):]
	if limit := filter.Limit(); len(page) > limit {
		page = page[:limit]
	}
	for _, r := range page {
		result.Executions = append(result.Executions, r.Execution.Clone())
	}
	return result, nil
}

// CountByState counts every stored run per state.
func (s *Store) CountByState() (map[types.WorkflowState]int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	counts := make(map[types.WorkflowState]int)
	for _, state := range types.WorkflowStateValues() {
		it, err := txn.Get(tableExecutions, indexState, state.String())
		if err != nil {
			return nil, fmt.Errorf("failed to count %s executions: %w", state, err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			counts[state]++
		}
	}
	return counts, nil
}

// ActiveCount is the number of runs that are RUNNING or PAUSED.
func (s *Store) ActiveCount() (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, indexActive, true)
	if err != nil {
		return 0, fmt.Errorf("failed to count active executions: %w", err)
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

// Active returns a snapshot of every non-terminal run.
func (s *Store) Active() ([]types.WorkflowExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, indexActive, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read active executions: %w", err)
	}
	var out []types.WorkflowExecution
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*row).Execution.Clone())
	}
	return out, nil
}
