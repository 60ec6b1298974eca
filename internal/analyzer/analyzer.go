// Package analyzer defines the feature-analyzer contract and runs all
// registered analyzers in parallel per request. Analyzers are registered at
// construction time; a dynamic loading layer can sit behind the same
// interface without the runner noticing.
package analyzer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/veriscan/backend/internal/core"
)

// Input is what an analyzer receives for one artifact.
type Input struct {
	FilePath      string
	ArtifactID    string
	CorrelationID string
	Class         core.MimeClass
	Config        map[string]interface{}
}

// Analyzer is the contract every feature analyzer satisfies. Implementations
// must be safe for concurrent use and side-effect-free with respect to each
// other; per-call state stays inside Analyze.
type Analyzer interface {
	// Name returns the analyzer's unique identifier.
	Name() string

	// Version returns the analyzer version, surfaced in results.
	Version() string

	// Handles reports whether the analyzer applies to the artifact class.
	Handles(class core.MimeClass) bool

	// Analyze scores the artifact. Score in [0,1]; higher means more
	// likely authentic.
	Analyze(ctx context.Context, in Input) (core.AnalyzerResult, error)
}

// Info describes a registered analyzer for status responses.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Active  bool   `json:"active"`
}

// LoadError records an analyzer that failed registration. The registry never
// aborts overall on a bad analyzer.
type LoadError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Registry holds the loaded analyzers.
type Registry struct {
	mu         sync.RWMutex
	analyzers  []Analyzer
	byName     map[string]Analyzer
	loadErrors []LoadError
	logger     *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Analyzer),
		logger: log.New(log.Writer(), "[ANALYZERS] ", log.LstdFlags),
	}
}

// Register adds an analyzer. Duplicate names are recorded as load errors
// and skipped.
func (r *Registry) Register(a Analyzer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[a.Name()]; exists {
		err := fmt.Errorf("analyzer %q already registered", a.Name())
		r.loadErrors = append(r.loadErrors, LoadError{Name: a.Name(), Error: err.Error()})
		return err
	}
	r.analyzers = append(r.analyzers, a)
	r.byName[a.Name()] = a
	sort.Slice(r.analyzers, func(i, j int) bool {
		return r.analyzers[i].Name() < r.analyzers[j].Name()
	})
	r.logger.Printf("Registered analyzer: %s v%s", a.Name(), a.Version())
	return nil
}

// RecordLoadError notes an analyzer that could not be loaded at all.
func (r *Registry) RecordLoadError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErrors = append(r.loadErrors, LoadError{Name: name, Error: err.Error()})
	r.logger.Printf("Analyzer load error: %s: %v", name, err)
}

// For returns the analyzers applicable to an artifact class.
func (r *Registry) For(class core.MimeClass) []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Analyzer, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		if a.Handles(class) {
			out = append(out, a)
		}
	}
	return out
}

// List returns info about all registered analyzers.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		infos = append(infos, Info{Name: a.Name(), Version: a.Version(), Active: true})
	}
	return infos
}

// LoadErrors returns recorded load failures.
func (r *Registry) LoadErrors() []LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LoadError, len(r.loadErrors))
	copy(out, r.loadErrors)
	return out
}

// Count returns the number of registered analyzers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.analyzers)
}
