package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/instruction"
)

// TypeInstanceModification is the batch type for bulk process instance
// modification.
const TypeInstanceModification = "instance-modification"

// Job states. A job is terminal in StateCompleted or StateFailed.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Flags carries the execution switches of a modification through the batch
// configuration blob.
type Flags struct {
	SkipCustomListeners bool `json:"skipCustomListeners"`
	SkipIoMappings      bool `json:"skipIoMappings"`
	InitialVariables    bool `json:"initialVariables,omitempty"`
	WithoutBusinessKey  bool `json:"withoutBusinessKey,omitempty"`
}

// Configuration is the persisted form of one bulk modification: the full
// target id list, the shared ordered instruction list and the flags. It is
// stored once as a blob; every chunk job references it and carries only its
// own id subset.
type Configuration struct {
	TargetIDs           []string                  `json:"targetIds"`
	ProcessDefinitionID string                    `json:"processDefinitionId"`
	Instructions        []instruction.Instruction `json:"instructions"`
	Flags               Flags                     `json:"flags"`
}

// Marshal serializes the configuration for the blob store.
func (c Configuration) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal batch configuration: %w", err)
	}
	return data, nil
}

// UnmarshalConfiguration restores a configuration from its blob form.
func UnmarshalConfiguration(data []byte) (Configuration, error) {
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, fmt.Errorf("unmarshal batch configuration: %w", err)
	}
	return c, nil
}

// Validate checks the configuration before anything is persisted.
func (c Configuration) Validate() error {
	if len(c.TargetIDs) == 0 {
		return fmt.Errorf("batch configuration has no target ids: %w", runtime.ErrValidation)
	}
	if len(c.Instructions) == 0 {
		return fmt.Errorf("batch configuration has no instructions: %w", runtime.ErrValidation)
	}
	for _, in := range c.Instructions {
		if err := in.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Batch is the server-tracked handle of one bulk operation.
type Batch struct {
	ID                  string    `json:"id" gorm:"primaryKey"`
	Type                string    `json:"type" gorm:"index"`
	ProcessDefinitionID string    `json:"processDefinitionId"`
	DeploymentID        string    `json:"deploymentId"`
	ConfigurationID     string    `json:"configurationId"`
	TotalJobs           int       `json:"totalJobs"`
	ChunkSize           int       `json:"chunkSize"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Job is one independently retryable chunk of a batch. It references the
// shared configuration blob and owns only its id subset.
type Job struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	BatchID         string    `json:"batchId" gorm:"index"`
	ConfigurationID string    `json:"configurationId"`
	TargetIDs       []string  `json:"targetIds" gorm:"serializer:json"`
	State           string    `json:"state" gorm:"index"`
	Retries         int       `json:"retries"`
	LastError       string    `json:"lastError"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewJob creates one pending chunk job with a fresh retry budget.
func NewJob(batchID, configurationID string, targetIDs []string, retries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:              uuid.New().String(),
		BatchID:         batchID,
		ConfigurationID: configurationID,
		TargetIDs:       targetIDs,
		State:           StatePending,
		Retries:         retries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Terminal reports whether the job will not run again.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// NewBatch creates the batch handle for a configuration blob.
func NewBatch(processDefinitionID, deploymentID, configurationID string, totalJobs, chunkSize int) *Batch {
	return &Batch{
		ID:                  uuid.New().String(),
		Type:                TypeInstanceModification,
		ProcessDefinitionID: processDefinitionID,
		DeploymentID:        deploymentID,
		ConfigurationID:     configurationID,
		TotalJobs:           totalJobs,
		ChunkSize:           chunkSize,
		CreatedAt:           time.Now().UTC(),
	}
}

// Status is the externally visible progress of a batch. Failure of the
// operation is only ever visible here, as the count of permanently failed
// jobs.
type Status struct {
	BatchID       string `json:"batchId"`
	TotalJobs     int    `json:"totalJobs"`
	PendingJobs   int    `json:"pendingJobs"`
	CompletedJobs int    `json:"completedJobs"`
	FailedJobs    int    `json:"failedJobs"`
	Done          bool   `json:"done"`
}
