package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/instruction"
	"github.com/procflow-go/internal/modification/ports"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/metrics"
	"github.com/procflow-go/pkg/resilience"
)

// BatchCreator persists a configuration and splits it into chunk jobs. It is
// the asynchronous back half of the builder.
type BatchCreator interface {
	Create(ctx context.Context, cfg batch.Configuration) (*batch.Batch, error)
}

// Deps bundles the collaborators a modification needs. One Deps value is
// shared by all builders of a service instance.
type Deps struct {
	Executions   ports.ExecutionStore
	Definitions  ports.DefinitionStore
	Variables    ports.VariableStore
	Continuation ports.ContinuationSignaler
	Batches      BatchCreator
	Logger       logger.Logger

	// ConflictRetries bounds the transparent retry of a unit of work on
	// runtime.ErrConcurrencyConflict. Zero means the default of 3.
	ConflictRetries int
}

// Builder accumulates one modification: an ordered instruction list, a
// target instance selection and execution flags. A builder is consumed by a
// single Execute or ExecuteAsync call and then discarded.
type Builder struct {
	deps Deps

	processDefinitionID string
	ids                 []string
	query               ports.InstanceQuery
	instructions        []instruction.Instruction
	flags               batch.Flags
}

func New(deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.ConflictRetries <= 0 {
		deps.ConflictRetries = 3
	}
	return &Builder{deps: deps}
}

// StartBeforeActivity appends an instruction starting the given activity.
func (b *Builder) StartBeforeActivity(activityID string) *Builder {
	b.instructions = append(b.instructions, instruction.StartBefore(activityID))
	return b
}

// StartAfterActivity appends an instruction leaving the activity via its
// single outgoing transition.
func (b *Builder) StartAfterActivity(activityID string) *Builder {
	b.instructions = append(b.instructions, instruction.StartAfter(activityID))
	return b
}

// StartTransition appends an instruction starting on the given transition.
func (b *Builder) StartTransition(transitionID string) *Builder {
	b.instructions = append(b.instructions, instruction.StartOnTransition(transitionID))
	return b
}

// CancelActivityInstance appends an instruction cancelling one activity
// instance.
func (b *Builder) CancelActivityInstance(activityInstanceID string) *Builder {
	b.instructions = append(b.instructions, instruction.Cancel(activityInstanceID))
	return b
}

// CancelAllInActivity appends an instruction cancelling every execution
// currently in the activity.
func (b *Builder) CancelAllInActivity(activityID string) *Builder {
	b.instructions = append(b.instructions, instruction.CancelAll(activityID))
	return b
}

// AddInstruction appends an already constructed instruction, e.g. one
// decoded from a request body.
func (b *Builder) AddInstruction(in instruction.Instruction) *Builder {
	b.instructions = append(b.instructions, in)
	return b
}

// SetVariables attaches variables to the most recently appended start
// instruction. Local variables go to the created execution, the others to
// the process instance.
func (b *Builder) SetVariables(variables map[string]any, local bool) *Builder {
	if len(b.instructions) == 0 {
		return b
	}
	in := &b.instructions[len(b.instructions)-1]
	if local {
		in.VariablesLocal = variables
	} else {
		in.Variables = variables
	}
	return b
}

// SetAncestorActivityInstanceID disambiguates the most recently appended
// instruction.
func (b *Builder) SetAncestorActivityInstanceID(id string) *Builder {
	if len(b.instructions) == 0 {
		return b
	}
	b.instructions[len(b.instructions)-1].AncestorActivityInstanceID = id
	return b
}

// ProcessInstanceIDs selects explicit target instances. Mutually exclusive
// with ProcessInstanceQuery.
func (b *Builder) ProcessInstanceIDs(ids ...string) *Builder {
	b.ids = append(b.ids, ids...)
	return b
}

// ProcessInstanceQuery selects target instances through a deferred query,
// resolved once at execute time. Mutually exclusive with ProcessInstanceIDs.
func (b *Builder) ProcessInstanceQuery(q ports.InstanceQuery) *Builder {
	b.query = q
	return b
}

// ProcessDefinitionID pins the definition the targets run on; it is carried
// into the batch configuration for job metadata.
func (b *Builder) ProcessDefinitionID(id string) *Builder {
	b.processDefinitionID = id
	return b
}

func (b *Builder) SkipCustomListeners() *Builder {
	b.flags.SkipCustomListeners = true
	return b
}

func (b *Builder) SkipIoMappings() *Builder {
	b.flags.SkipIoMappings = true
	return b
}

// InitialSetOfVariables restricts a restart to the variables the instance
// was originally started with.
func (b *Builder) InitialSetOfVariables() *Builder {
	b.flags.InitialVariables = true
	return b
}

// WithoutBusinessKey restarts instances without copying the business key.
func (b *Builder) WithoutBusinessKey() *Builder {
	b.flags.WithoutBusinessKey = true
	return b
}

// Instructions exposes the accumulated instruction list.
func (b *Builder) Instructions() []instruction.Instruction {
	return b.instructions
}

func (b *Builder) validate() error {
	if len(b.instructions) == 0 {
		return fmt.Errorf("modification needs at least one instruction: %w", runtime.ErrValidation)
	}
	for _, in := range b.instructions {
		if err := in.Validate(); err != nil {
			return err
		}
	}
	hasIDs := len(b.ids) > 0
	hasQuery := b.query != nil
	if hasIDs == hasQuery {
		return fmt.Errorf("exactly one of process instance ids or query must be set: %w", runtime.ErrValidation)
	}
	return nil
}

func (b *Builder) resolveTargets(ctx context.Context) ([]string, error) {
	if b.query != nil {
		ids, err := b.query.ResolveIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve process instance query: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("process instance query matched nothing: %w", runtime.ErrValidation)
		}
		return ids, nil
	}
	for _, id := range b.ids {
		if id == "" {
			return nil, fmt.Errorf("empty process instance id: %w", runtime.ErrValidation)
		}
	}
	return b.ids, nil
}

// Execute runs the modification synchronously. Every target instance is one
// independent unit of work; the first hard error aborts the remaining ids.
// Instances saved before the failure stay modified.
func (b *Builder) Execute(ctx context.Context) error {
	if err := b.validate(); err != nil {
		return err
	}
	targets, err := b.resolveTargets(ctx)
	if err != nil {
		return err
	}
	for _, id := range targets {
		if err := b.modifyInstance(ctx, id); err != nil {
			metrics.ModificationsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("process instance %s: %w", id, err)
		}
		metrics.ModificationsTotal.WithLabelValues("succeeded").Inc()
	}
	return nil
}

// modifyInstance is one unit of work: load tree, apply all instructions in
// order, commit. A concurrency conflict retries the whole unit from
// scratch, which is safe because the store save is all-or-nothing.
func (b *Builder) modifyInstance(ctx context.Context, processInstanceID string) error {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = b.deps.ConflictRetries
	retryCfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, runtime.ErrConcurrencyConflict) {
			metrics.ConcurrencyConflictsTotal.Inc()
			return true
		}
		return false
	}

	return resilience.Retry(ctx, retryCfg, func() error {
		tree, err := b.deps.Executions.LoadTree(ctx, processInstanceID)
		if err != nil {
			return err
		}
		def, err := b.deps.Definitions.DefinitionForInstance(ctx, processInstanceID)
		if err != nil {
			return err
		}

		env := &instruction.Environment{
			Graph:        def,
			Tree:         tree,
			Variables:    b.deps.Variables,
			Continuation: b.deps.Continuation,
			Options: ports.ContinuationOptions{
				SkipCustomListeners: b.flags.SkipCustomListeners,
				SkipIoMappings:      b.flags.SkipIoMappings,
			},
		}

		for _, in := range b.instructions {
			if err := instruction.Apply(ctx, env, in); err != nil {
				return fmt.Errorf("instruction %s: %w", in, err)
			}
			metrics.InstructionsTotal.WithLabelValues(string(in.Kind)).Inc()
		}

		if err := b.deps.Executions.SaveTree(ctx, tree); err != nil {
			return err
		}

		b.deps.Logger.Debug("Applied modification",
			"processInstanceId", processInstanceID,
			"instructions", len(b.instructions),
		)
		return nil
	})
}

// ExecuteAsync resolves the target selection eagerly and hands the
// operation to the batch layer. It returns once the configuration blob and
// the chunk jobs exist; all further failure is only visible on the batch.
func (b *Builder) ExecuteAsync(ctx context.Context) (*batch.Batch, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.deps.Batches == nil {
		return nil, fmt.Errorf("no batch creator configured: %w", runtime.ErrValidation)
	}
	targets, err := b.resolveTargets(ctx)
	if err != nil {
		return nil, err
	}

	cfg := batch.Configuration{
		TargetIDs:           targets,
		ProcessDefinitionID: b.processDefinitionID,
		Instructions:        b.instructions,
		Flags:               b.flags,
	}
	created, err := b.deps.Batches.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b.deps.Logger.Info("Created modification batch",
		"batchId", created.ID,
		"targets", len(targets),
		"jobs", created.TotalJobs,
	)
	return created, nil
}
