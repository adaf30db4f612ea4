package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessInstanceRecord is the root row of a process instance. Version is
// the optimistic lock token guarding the whole execution tree.
type ProcessInstanceRecord struct {
	ID                  string `gorm:"primaryKey"`
	ProcessDefinitionID string `gorm:"index"`
	BusinessKey         string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (ProcessInstanceRecord) TableName() string { return "process_instances" }

type ExecutionRecord struct {
	ID                 string `gorm:"primaryKey"`
	ParentID           string `gorm:"index"`
	ProcessInstanceID  string `gorm:"index"`
	ActivityID         string
	ActivityInstanceID string `gorm:"index"`
	Kind               string
}

func (ExecutionRecord) TableName() string { return "executions" }

// DefinitionRecord stores a deployed scope graph. Elements and transitions
// are denormalized json; the graph is immutable after deployment so there
// is nothing to query inside it.
type DefinitionRecord struct {
	ID           string               `gorm:"primaryKey"`
	Key          string               `gorm:"index"`
	DeploymentID string               `gorm:"index"`
	Elements     []process.Element    `gorm:"serializer:json"`
	Transitions  []process.Transition `gorm:"serializer:json"`
	CreatedAt    time.Time
}

func (DefinitionRecord) TableName() string { return "process_definitions" }

type VariableRecord struct {
	ID                string `gorm:"primaryKey"`
	ProcessInstanceID string `gorm:"index"`
	ExecutionID       string `gorm:"index"`
	Name              string
	Value             any `gorm:"serializer:json"`
	Local             bool
	UpdatedAt         time.Time
}

func (VariableRecord) TableName() string { return "variables" }

// Models lists everything this store migrates.
func Models() []interface{} {
	return []interface{}{
		&ProcessInstanceRecord{},
		&ExecutionRecord{},
		&DefinitionRecord{},
		&VariableRecord{},
	}
}

// Store is the gorm-backed persistence of execution trees, definitions and
// variables.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// LoadTree reads the full execution tree of a process instance.
func (s *Store) LoadTree(ctx context.Context, processInstanceID string) (*runtime.ExecutionTree, error) {
	var inst ProcessInstanceRecord
	if err := s.db.WithContext(ctx).First(&inst, "id = ?", processInstanceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("process instance %q: %w", processInstanceID, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("load process instance %q: %w", processInstanceID, err)
	}

	var records []ExecutionRecord
	if err := s.db.WithContext(ctx).
		Where("process_instance_id = ?", processInstanceID).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load executions of %q: %w", processInstanceID, err)
	}

	executions := make([]*runtime.Execution, 0, len(records))
	for _, r := range records {
		executions = append(executions, &runtime.Execution{
			ID:                 r.ID,
			ParentID:           r.ParentID,
			ProcessInstanceID:  r.ProcessInstanceID,
			ActivityID:         r.ActivityID,
			ActivityInstanceID: r.ActivityInstanceID,
			Kind:               runtime.Kind(r.Kind),
		})
	}

	tree, err := runtime.Restore(processInstanceID, inst.ProcessDefinitionID, inst.Version, executions)
	if err != nil {
		return nil, err
	}
	tree.BusinessKey = inst.BusinessKey
	return tree, nil
}

// SaveTree writes the tree back as a whole. The instance row's version must
// still match the loaded one, otherwise the save fails with
// runtime.ErrConcurrencyConflict and nothing is written.
func (s *Store) SaveTree(ctx context.Context, tree *runtime.ExecutionTree) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).
			Model(&ProcessInstanceRecord{}).
			Where("id = ? AND version = ?", tree.ProcessInstanceID, tree.Version).
			Update("version", tree.Version+1)
		if res.Error != nil {
			return fmt.Errorf("bump version of %q: %w", tree.ProcessInstanceID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("process instance %q changed concurrently: %w",
				tree.ProcessInstanceID, runtime.ErrConcurrencyConflict)
		}

		if err := tx.WithContext(ctx).
			Where("process_instance_id = ?", tree.ProcessInstanceID).
			Delete(&ExecutionRecord{}).Error; err != nil {
			return fmt.Errorf("clear executions of %q: %w", tree.ProcessInstanceID, err)
		}

		records := make([]ExecutionRecord, 0, tree.Size())
		for _, e := range tree.Executions() {
			records = append(records, ExecutionRecord{
				ID:                 e.ID,
				ParentID:           e.ParentID,
				ProcessInstanceID:  e.ProcessInstanceID,
				ActivityID:         e.ActivityID,
				ActivityInstanceID: e.ActivityInstanceID,
				Kind:               string(e.Kind),
			})
		}
		if len(records) > 0 {
			if err := tx.WithContext(ctx).Create(&records).Error; err != nil {
				return fmt.Errorf("write executions of %q: %w", tree.ProcessInstanceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	tree.Version++
	return nil
}

// CreateInstance seeds a fresh process instance with its initial tree.
func (s *Store) CreateInstance(ctx context.Context, tree *runtime.ExecutionTree) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		inst := ProcessInstanceRecord{
			ID:                  tree.ProcessInstanceID,
			ProcessDefinitionID: tree.ProcessDefinitionID,
			BusinessKey:         tree.BusinessKey,
			Version:             tree.Version,
		}
		if err := tx.WithContext(ctx).Create(&inst).Error; err != nil {
			return fmt.Errorf("create process instance %q: %w", tree.ProcessInstanceID, err)
		}
		records := make([]ExecutionRecord, 0, tree.Size())
		for _, e := range tree.Executions() {
			records = append(records, ExecutionRecord{
				ID:                 e.ID,
				ParentID:           e.ParentID,
				ProcessInstanceID:  e.ProcessInstanceID,
				ActivityID:         e.ActivityID,
				ActivityInstanceID: e.ActivityInstanceID,
				Kind:               string(e.Kind),
			})
		}
		if err := tx.WithContext(ctx).Create(&records).Error; err != nil {
			return fmt.Errorf("write executions of %q: %w", tree.ProcessInstanceID, err)
		}
		return nil
	})
}

// SaveDefinition persists a deployed scope graph.
func (s *Store) SaveDefinition(ctx context.Context, def *process.Definition) error {
	rec := DefinitionRecord{
		ID:           def.ID,
		Key:          def.Key,
		DeploymentID: def.DeploymentID,
	}
	for _, el := range def.Elements() {
		copied := *el
		copied.Outgoing = nil // rebuilt from transitions on load
		rec.Elements = append(rec.Elements, copied)
	}
	for _, tr := range def.Transitions() {
		rec.Transitions = append(rec.Transitions, *tr)
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("save definition %q: %w", def.ID, err)
	}
	return nil
}

// DefinitionByID rebuilds the scope graph from its stored form.
func (s *Store) DefinitionByID(ctx context.Context, processDefinitionID string) (*process.Definition, error) {
	var rec DefinitionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", processDefinitionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("process definition %q: %w", processDefinitionID, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("load definition %q: %w", processDefinitionID, err)
	}

	def := process.NewDefinition(rec.ID, rec.Key)
	def.DeploymentID = rec.DeploymentID
	for _, el := range rec.Elements {
		if _, err := def.AddElement(el); err != nil {
			return nil, fmt.Errorf("restore definition %q: %w", rec.ID, err)
		}
	}
	for _, tr := range rec.Transitions {
		if _, err := def.AddTransition(tr); err != nil {
			return nil, fmt.Errorf("restore definition %q: %w", rec.ID, err)
		}
	}
	return def, nil
}

// DefinitionForInstance resolves the definition a process instance runs on.
func (s *Store) DefinitionForInstance(ctx context.Context, processInstanceID string) (*process.Definition, error) {
	var inst ProcessInstanceRecord
	if err := s.db.WithContext(ctx).First(&inst, "id = ?", processInstanceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("process instance %q: %w", processInstanceID, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("load process instance %q: %w", processInstanceID, err)
	}
	return s.DefinitionByID(ctx, inst.ProcessDefinitionID)
}

// DeploymentForDefinition returns the deployment id a definition belongs to.
func (s *Store) DeploymentForDefinition(ctx context.Context, processDefinitionID string) (string, error) {
	var rec DefinitionRecord
	if err := s.db.WithContext(ctx).
		Select("deployment_id").
		First(&rec, "id = ?", processDefinitionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("process definition %q: %w", processDefinitionID, runtime.ErrNotFound)
		}
		return "", fmt.Errorf("load definition %q: %w", processDefinitionID, err)
	}
	return rec.DeploymentID, nil
}

// SetVariables upserts variable values on an execution.
func (s *Store) SetVariables(ctx context.Context, processInstanceID, executionID string, variables map[string]any, local bool) error {
	if len(variables) == 0 {
		return nil
	}
	records := make([]VariableRecord, 0, len(variables))
	for name, value := range variables {
		records = append(records, VariableRecord{
			ID:                executionID + ":" + name,
			ProcessInstanceID: processInstanceID,
			ExecutionID:       executionID,
			Name:              name,
			Value:             value,
			Local:             local,
		})
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error; err != nil {
		return fmt.Errorf("set variables on %q: %w", executionID, err)
	}
	return nil
}

// VariablesFor reads the variables of one execution.
func (s *Store) VariablesFor(ctx context.Context, executionID string) (map[string]any, error) {
	var records []VariableRecord
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load variables of %q: %w", executionID, err)
	}
	out := make(map[string]any, len(records))
	for _, r := range records {
		out[r.Name] = r.Value
	}
	return out, nil
}
