package base

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type CheckOptions struct {
	// Check name
	Name string
	// CheckFunc returns nil when the dependency is fine.
	CheckFunc func(ctx context.Context) error
}

type MapCheckOptions struct {
	mu      sync.RWMutex
	options map[string]*CheckOptions
}

func NewMapCheckOptions() *MapCheckOptions {
	return &MapCheckOptions{
		options: make(map[string]*CheckOptions),
	}
}

func (mcf *MapCheckOptions) Append(src *MapCheckOptions) error {
	src.mu.RLock()
	options := make(map[string]*CheckOptions, len(src.options))
	for k, v := range src.options {
		options[k] = v
	}
	src.mu.RUnlock()

	mcf.mu.Lock()
	defer mcf.mu.Unlock()

	for k := range options {
		if _, ok := mcf.options[k]; ok {
			return errors.Wrapf(ErrConflictName, "name: %s", k)
		}
	}

	for k, m := range options {
		mcf.options[k] = m
	}

	return nil
}

func (mcf *MapCheckOptions) Add(options *CheckOptions) error {
	if options == nil {
		return ErrOptionsIsNil
	}

	if options.Name == "" {
		return ErrEmptyOptionsName
	}

	if options.CheckFunc == nil {
		return ErrFuncIsNil
	}

	mcf.mu.Lock()
	defer mcf.mu.Unlock()

	if _, ok := mcf.options[options.Name]; ok {
		return errors.Wrapf(ErrConflictName, "name: %s", options.Name)
	}

	mcf.options[options.Name] = options

	return nil
}

// Check runs checks in name order and stops on the first failure. The
// name of the failed check is returned with the error.
func (mcf *MapCheckOptions) Check(ctx context.Context) (string, error) {
	mcf.mu.RLock()
	names := make([]string, 0, len(mcf.options))
	for k := range mcf.options {
		names = append(names, k)
	}
	options := make(map[string]*CheckOptions, len(mcf.options))
	for k, v := range mcf.options {
		options[k] = v
	}
	mcf.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := options[name].CheckFunc(ctx); err != nil {
			return name, err
		}
	}

	return "", nil
}
