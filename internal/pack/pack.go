// Package pack defines the pluggable execution unit a run invokes:
// the Executor interface and a registry keyed by pack_type. Two inert
// packs are registered to exercise the finalize protocol end to end
// without implementing any named business logic: "echo" returns the
// input verbatim at exactly the reserved cost, and "noop_cost"
// reports a fixed cost below the reservation to drive the refund
// path.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/consonant/runengine/internal/money"
)

// ErrUnknownPackType is returned by the registry when a run names a
// pack_type nothing has registered.
var ErrUnknownPackType = errors.New("pack: unknown pack_type")

// Input is what the worker hands an executor: the run's raw inputs
// plus the amount it reserved (some packs may scale their simulated
// cost off the reservation).
type Input struct {
	RunID     string
	Inputs    json.RawMessage
	Reserved  money.Micros
}

// Output is what an executor must produce: a JSON result body to
// upload and the actual cost incurred.
type Output struct {
	Result     json.RawMessage
	ActualCost money.Micros
}

// Executor runs one pack_type's business logic. Implementations must
// respect ctx's deadline (the worker enforces the timebox via
// context.WithTimeout) and must not retain Input.Inputs past return.
type Executor interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// Registry maps pack_type to its Executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for a pack_type.
func (r *Registry) Register(packType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[packType] = executor
}

// Lookup returns the executor for a pack_type.
func (r *Registry) Lookup(packType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[packType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackType, packType)
	}
	return executor, nil
}

// KnownPackTypes lists every registered pack_type (submission
// validation uses this to reject unknown types up front).
func (r *Registry) KnownPackTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	return out
}

// Echo returns the input verbatim as the result, charging exactly the
// reserved amount. Exists to drive the settle-with-no-refund path.
type Echo struct{}

func (Echo) Execute(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return Output{Result: in.Inputs, ActualCost: in.Reserved}, nil
}

// NoopCost reports a fixed cost below the reservation regardless of
// input, to exercise the refund path deterministically in tests.
type NoopCost struct {
	FixedCost money.Micros
}

func (p NoopCost) Execute(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	cost := p.FixedCost
	if cost > in.Reserved {
		cost = in.Reserved
	}
	result, err := json.Marshal(map[string]any{"pack_type": "noop_cost", "echoed_input": json.RawMessage(in.Inputs)})
	if err != nil {
		return Output{}, fmt.Errorf("pack: noop_cost marshal result: %w", err)
	}
	return Output{Result: result, ActualCost: cost}, nil
}
