package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/bridgectl/internal/protocol/envelope"
)

var (
	ErrComputationExists = errors.New("server: computation already registered")
	ErrComputationNil    = errors.New("server: computation is nil")
	ErrInvalidModelName  = errors.New("server: invalid model name")
	ErrComputationPanic  = errors.New("server: computation panicked")
)

// Computation produces the numeric result for one validated request.
type Computation interface {
	Compute(ctx context.Context, req envelope.Request) (float64, error)
}

type ComputationFunc func(ctx context.Context, req envelope.Request) (float64, error)

func (f ComputationFunc) Compute(ctx context.Context, req envelope.Request) (float64, error) {
	return f(ctx, req)
}

// MatrixSum adds every matrix cell. Cells are widened before adding so large
// matrices do not wrap.
var MatrixSum = ComputationFunc(func(_ context.Context, req envelope.Request) (float64, error) {
	var sum float64
	for _, row := range req.Matrix {
		for _, cell := range row {
			sum += float64(cell)
		}
	}
	return sum, nil
})

// Registry resolves computations by model name, falling back to a default
// for unregistered models.
type Registry struct {
	mu       sync.RWMutex
	items    map[string]Computation
	fallback Computation
}

// NewRegistry returns a registry whose fallback is MatrixSum.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Computation), fallback: MatrixSum}
}

// Register binds a computation to a model name.
func (r *Registry) Register(model string, c Computation) error {
	if c == nil {
		return ErrComputationNil
	}
	name := strings.TrimSpace(model)
	if name == "" {
		return fmt.Errorf("%w: %q", ErrInvalidModelName, model)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrComputationExists, name)
	}
	r.items[name] = c
	return nil
}

// SetFallback replaces the computation used for unregistered models.
func (r *Registry) SetFallback(c Computation) error {
	if c == nil {
		return ErrComputationNil
	}
	r.mu.Lock()
	r.fallback = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(model string) Computation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.items[strings.TrimSpace(model)]; ok {
		return c
	}
	return r.fallback
}

// Models lists registered model names in order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// run invokes c and converts a panic into an error.
func run(ctx context.Context, c Computation, req envelope.Request) (sum float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrComputationPanic, p)
		}
	}()
	return c.Compute(ctx, req)
}
