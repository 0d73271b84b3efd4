package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownModel = errors.New("unknown model")

// Pricing is the cost of a model in micro-dollars per thousand tokens.
type Pricing struct {
	PromptPerK     int64
	CompletionPerK int64
}

// Cost returns the cost of u in micro-dollars.
func (p Pricing) Cost(u Usage) int64 {
	return (int64(u.PromptTokens)*p.PromptPerK + int64(u.CompletionTokens)*p.CompletionPerK) / 1000
}

// Model is a registered generator with its pricing.
type Model struct {
	Name      string
	Generator Generator
	Pricing   Pricing
}

// Registry is the process-wide set of models. It is read on every call and
// written at startup.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

func NewRegistry() *Registry {
	return &Registry{models: map[string]Model{}}
}

// Register adds or replaces a model.
func (r *Registry) Register(m Model) error {
	if m.Name == "" || m.Generator == nil {
		return fmt.Errorf("model needs a name and a generator")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = m
	return nil
}

// Get returns the model registered under name.
func (r *Registry) Get(name string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
