package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/akashsinga/quantpulse/internal/domain"
)

// JobFunc is a registered job body. It returns result data for the run's
// result_data field; a non-nil error fails the run.
type JobFunc func(ctx context.Context, tc *Context) (domain.Params, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]JobFunc)
)

// Register binds a task type to its job function. Called from package init
// or program start; later registrations for the same type panic to surface
// wiring mistakes early.
func Register(taskType string, fn JobFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[taskType]; dup {
		panic("tasks: duplicate registration for " + taskType)
	}
	registry[taskType] = fn
}

// Lookup resolves a task type to its job function.
func Lookup(taskType string) (JobFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[taskType]
	return fn, ok
}

// Registered lists known task types, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
