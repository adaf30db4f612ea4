package instruction

import (
	"fmt"

	"github.com/procflow-go/internal/domain/runtime"
)

// Kind is the closed set of modification instruction variants.
type Kind string

const (
	StartBeforeActivity    Kind = "startBeforeActivity"
	StartAfterActivity     Kind = "startAfterActivity"
	StartTransition        Kind = "startTransition"
	CancelActivityInstance Kind = "cancelActivityInstance"
	CancelAllInActivity    Kind = "cancelAllForActivity"
)

// Instruction is one structural edit of an execution tree. Instructions are
// resolved against the current tree mapping and applied strictly in the
// order the caller supplied them.
type Instruction struct {
	Kind Kind `json:"kind"`

	ActivityID         string `json:"activityId,omitempty"`
	TransitionID       string `json:"transitionId,omitempty"`
	ActivityInstanceID string `json:"activityInstanceId,omitempty"`

	// AncestorActivityInstanceID disambiguates the attachment point when the
	// target scope is instantiated more than once.
	AncestorActivityInstanceID string `json:"ancestorActivityInstanceId,omitempty"`

	// Variables are set on the process instance, VariablesLocal on the newly
	// created execution. Only meaningful for the start variants.
	Variables      map[string]any `json:"variables,omitempty"`
	VariablesLocal map[string]any `json:"variablesLocal,omitempty"`
}

// StartBefore returns an instruction starting the given activity.
func StartBefore(activityID string) Instruction {
	return Instruction{Kind: StartBeforeActivity, ActivityID: activityID}
}

// StartAfter returns an instruction leaving the given activity via its
// single outgoing transition.
func StartAfter(activityID string) Instruction {
	return Instruction{Kind: StartAfterActivity, ActivityID: activityID}
}

// StartOnTransition returns an instruction starting on the given transition.
func StartOnTransition(transitionID string) Instruction {
	return Instruction{Kind: StartTransition, TransitionID: transitionID}
}

// Cancel returns an instruction cancelling one activity instance.
func Cancel(activityInstanceID string) Instruction {
	return Instruction{Kind: CancelActivityInstance, ActivityInstanceID: activityInstanceID}
}

// CancelAll returns an instruction cancelling every execution currently in
// the given activity.
func CancelAll(activityID string) Instruction {
	return Instruction{Kind: CancelAllInActivity, ActivityID: activityID}
}

// Validate checks the instruction's shape without touching any tree.
func (in Instruction) Validate() error {
	switch in.Kind {
	case StartBeforeActivity, StartAfterActivity:
		if in.ActivityID == "" {
			return fmt.Errorf("%s requires an activity id: %w", in.Kind, runtime.ErrValidation)
		}
	case StartTransition:
		if in.TransitionID == "" {
			return fmt.Errorf("%s requires a transition id: %w", in.Kind, runtime.ErrValidation)
		}
	case CancelActivityInstance:
		if in.ActivityInstanceID == "" {
			return fmt.Errorf("%s requires an activity instance id: %w", in.Kind, runtime.ErrValidation)
		}
	case CancelAllInActivity:
		if in.ActivityID == "" {
			return fmt.Errorf("%s requires an activity id: %w", in.Kind, runtime.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown instruction kind %q: %w", in.Kind, runtime.ErrValidation)
	}
	return nil
}

func (in Instruction) String() string {
	switch in.Kind {
	case StartTransition:
		return fmt.Sprintf("%s(%s)", in.Kind, in.TransitionID)
	case CancelActivityInstance:
		return fmt.Sprintf("%s(%s)", in.Kind, in.ActivityInstanceID)
	default:
		return fmt.Sprintf("%s(%s)", in.Kind, in.ActivityID)
	}
}
