package batch

import (
	"testing"

	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/instruction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfiguration_RoundTrip(t *testing.T) {
	cfg := Configuration{
		TargetIDs:           []string{"pi1", "pi2", "pi3"},
		ProcessDefinitionID: "order-def",
		Instructions: []instruction.Instruction{
			instruction.StartBefore("task2"),
			instruction.CancelAll("task1"),
		},
		Flags: Flags{SkipCustomListeners: true},
	}

	data, err := cfg.Marshal()
	require.NoError(t, err)

	restored, err := UnmarshalConfiguration(data)
	require.NoError(t, err)

	assert.Equal(t, cfg.TargetIDs, restored.TargetIDs)
	assert.Equal(t, cfg.ProcessDefinitionID, restored.ProcessDefinitionID)
	require.Len(t, restored.Instructions, 2)
	assert.Equal(t, instruction.StartBeforeActivity, restored.Instructions[0].Kind)
	assert.Equal(t, "task2", restored.Instructions[0].ActivityID)
	assert.True(t, restored.Flags.SkipCustomListeners)
}

func TestConfiguration_Validate(t *testing.T) {
	valid := Configuration{
		TargetIDs:    []string{"pi1"},
		Instructions: []instruction.Instruction{instruction.StartBefore("task1")},
	}
	assert.NoError(t, valid.Validate())

	noTargets := valid
	noTargets.TargetIDs = nil
	assert.ErrorIs(t, noTargets.Validate(), runtime.ErrValidation)

	noInstructions := valid
	noInstructions.Instructions = nil
	assert.ErrorIs(t, noInstructions.Validate(), runtime.ErrValidation)

	badInstruction := valid
	badInstruction.Instructions = []instruction.Instruction{instruction.StartBefore("")}
	assert.ErrorIs(t, badInstruction.Validate(), runtime.ErrValidation)
}

func TestJob_Terminal(t *testing.T) {
	job := NewJob("b1", "cfg1", []string{"pi1"}, 3)
	assert.Equal(t, StatePending, job.State)
	assert.False(t, job.Terminal())

	job.State = StateRunning
	assert.False(t, job.Terminal())

	job.State = StateCompleted
	assert.True(t, job.Terminal())

	job.State = StateFailed
	assert.True(t, job.Terminal())
}

func TestNewBatch(t *testing.T) {
	b := NewBatch("order-def", "dep-1", "cfg-1", 25, 100)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, TypeInstanceModification, b.Type)
	assert.Equal(t, 25, b.TotalJobs)
	assert.Equal(t, 100, b.ChunkSize)
	assert.False(t, b.CreatedAt.IsZero())
}
