package builder

import (
	"context"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/modification/instruction"
)

// Runner replays a stored modification against a subset of target ids. The
// batch executor uses it so chunk jobs take the same per-instance path as a
// synchronous Execute.
type Runner struct {
	deps Deps
}

func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

func (r *Runner) Run(ctx context.Context, ids []string, instructions []instruction.Instruction, flags batch.Flags) error {
	b := New(r.deps)
	b.ids = ids
	b.instructions = instructions
	b.flags = flags
	return b.Execute(ctx)
}
