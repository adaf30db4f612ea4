package continuation

import (
	"context"
	"fmt"

	"github.com/procflow-go/internal/modification/ports"
	"github.com/procflow-go/pkg/events"
)

// EventBusSignaler hands restructured executions over to the execution
// engine by publishing continuation commands. The engine consumes them and
// resumes normal activity behavior on the named execution.
type EventBusSignaler struct {
	bus events.EventBus
}

func NewEventBusSignaler(bus events.EventBus) *EventBusSignaler {
	return &EventBusSignaler{bus: bus}
}

func (s *EventBusSignaler) StartBefore(ctx context.Context, processInstanceID, executionID, activityID string, opts ports.ContinuationOptions) error {
	ev := events.NewEvent(events.TypeContinuationStart, processInstanceID, map[string]interface{}{
		"executionId":         executionID,
		"activityId":          activityID,
		"skipCustomListeners": opts.SkipCustomListeners,
		"skipIoMappings":      opts.SkipIoMappings,
	})
	if err := s.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("signal start of %q: %w", activityID, err)
	}
	return nil
}

func (s *EventBusSignaler) TakeTransition(ctx context.Context, processInstanceID, executionID, transitionID string, opts ports.ContinuationOptions) error {
	ev := events.NewEvent(events.TypeContinuationTransition, processInstanceID, map[string]interface{}{
		"executionId":         executionID,
		"transitionId":        transitionID,
		"skipCustomListeners": opts.SkipCustomListeners,
		"skipIoMappings":      opts.SkipIoMappings,
	})
	if err := s.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("signal transition %q: %w", transitionID, err)
	}
	return nil
}

func (s *EventBusSignaler) Terminate(ctx context.Context, processInstanceID, activityInstanceID string, opts ports.ContinuationOptions) error {
	ev := events.NewEvent(events.TypeContinuationCancel, processInstanceID, map[string]interface{}{
		"activityInstanceId":  activityInstanceID,
		"skipCustomListeners": opts.SkipCustomListeners,
		"skipIoMappings":      opts.SkipIoMappings,
	})
	if err := s.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("signal cancellation of %q: %w", activityInstanceID, err)
	}
	return nil
}
