package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/modification/ports"
	"github.com/procflow-go/pkg/cache"
	"github.com/procflow-go/pkg/logger"
)

// DefinitionCache is a read-through cache in front of a DefinitionStore.
// Definitions are immutable after deployment, so entries only ever expire,
// they never need invalidation.
type DefinitionCache struct {
	inner  ports.DefinitionStore
	cache  cache.Cache
	ttl    time.Duration
	logger logger.Logger
}

func NewDefinitionCache(inner ports.DefinitionStore, c cache.Cache, ttl time.Duration, log logger.Logger) *DefinitionCache {
	if log == nil {
		log = logger.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DefinitionCache{inner: inner, cache: c, ttl: ttl, logger: log}
}

// cachedDefinition is the serialized form of a scope graph, the same shape
// the store persists.
type cachedDefinition struct {
	ID           string               `json:"id"`
	Key          string               `json:"key"`
	DeploymentID string               `json:"deploymentId"`
	Elements     []process.Element    `json:"elements"`
	Transitions  []process.Transition `json:"transitions"`
}

func (d *DefinitionCache) DefinitionByID(ctx context.Context, processDefinitionID string) (*process.Definition, error) {
	key := "definition:" + processDefinitionID

	var cached cachedDefinition
	err := d.cache.Get(ctx, key, &cached)
	if err == nil {
		return restoreDefinition(cached)
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.logger.Warn("Definition cache read failed", "error", err, "definitionId", processDefinitionID)
	}

	def, err := d.inner.DefinitionByID(ctx, processDefinitionID)
	if err != nil {
		return nil, err
	}

	if err := d.cache.Set(ctx, key, flattenDefinition(def), d.ttl); err != nil {
		d.logger.Warn("Definition cache write failed", "error", err, "definitionId", processDefinitionID)
	}
	return def, nil
}

func (d *DefinitionCache) DefinitionForInstance(ctx context.Context, processInstanceID string) (*process.Definition, error) {
	// the instance-to-definition binding is fixed at instantiation
	key := "instance-definition:" + processInstanceID

	var definitionID string
	err := d.cache.Get(ctx, key, &definitionID)
	if err == nil {
		return d.DefinitionByID(ctx, definitionID)
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.logger.Warn("Definition cache read failed", "error", err, "processInstanceId", processInstanceID)
	}

	def, err := d.inner.DefinitionForInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	if err := d.cache.Set(ctx, key, def.ID, d.ttl); err != nil {
		d.logger.Warn("Definition cache write failed", "error", err, "processInstanceId", processInstanceID)
	}
	return def, nil
}

func flattenDefinition(def *process.Definition) cachedDefinition {
	out := cachedDefinition{
		ID:           def.ID,
		Key:          def.Key,
		DeploymentID: def.DeploymentID,
	}
	for _, el := range def.Elements() {
		copied := *el
		copied.Outgoing = nil // rebuilt from transitions on restore
		out.Elements = append(out.Elements, copied)
	}
	for _, tr := range def.Transitions() {
		out.Transitions = append(out.Transitions, *tr)
	}
	return out
}

func restoreDefinition(c cachedDefinition) (*process.Definition, error) {
	def := process.NewDefinition(c.ID, c.Key)
	def.DeploymentID = c.DeploymentID
	for _, el := range c.Elements {
		if _, err := def.AddElement(el); err != nil {
			return nil, fmt.Errorf("restore cached definition %q: %w", c.ID, err)
		}
	}
	for _, tr := range c.Transitions {
		if _, err := def.AddTransition(tr); err != nil {
			return nil, fmt.Errorf("restore cached definition %q: %w", c.ID, err)
		}
	}
	return def, nil
}
