package ocr

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
)

// Engine is one text-recognition backend.
//
// Recognize never fails: any internal problem, including ctx expiring,
// yields EmptyResult with the engine's name and the elapsed time.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Available() bool
	Recognize(ctx context.Context, img image.Image) OCRResult
}

// PlanStep runs the engine on one variant and reports the result under Label.
type PlanStep struct {
	Variant int
	Label   string
}

// Registration binds an engine to the variants it is run against.
type Registration struct {
	Engine Engine
	Plan   []PlanStep
}

// Registry maps engine identifiers to registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds or replaces the registration for reg.Engine.Name().
func (r *Registry) Register(reg Registration) error {
	if reg.Engine == nil {
		return fmt.Errorf("engine cannot be nil")
	}
	if len(reg.Plan) == 0 {
		return fmt.Errorf("engine %s: plan is empty", reg.Engine.Name())
	}
	for _, step := range reg.Plan {
		if step.Variant < 0 || step.Variant >= VariantCount {
			return fmt.Errorf("engine %s: variant %d out of range", reg.Engine.Name(), step.Variant)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reg.Engine.Name()] = reg
	return nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Names lists registered engines alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Availability reports each registered engine's Available() result.
func (r *Registry) Availability() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.entries))
	for name, reg := range r.entries {
		out[name] = reg.Engine.Available()
	}
	return out
}

// TesseractPlan runs the deterministic engine on the first three variants.
func TesseractPlan(name string) []PlanStep {
	return []PlanStep{
		{Variant: VariantContrast, Label: name + "_v1"},
		{Variant: VariantAdaptiveThreshold, Label: name + "_v2"},
		{Variant: VariantClosed, Label: name + "_v3"},
	}
}

// DetectionPlan runs a detection-based engine on the first two variants;
// only the second run is suffixed.
func DetectionPlan(name string) []PlanStep {
	return []PlanStep{
		{Variant: VariantContrast, Label: name},
		{Variant: VariantAdaptiveThreshold, Label: name + "_v2"},
	}
}

// NewDefaultRegistry registers the deterministic and detection engines under
// their standard plans. Either may be nil.
func NewDefaultRegistry(tesseract, detection Engine) (*Registry, error) {
	r := NewRegistry()
	if tesseract != nil {
		if err := r.Register(Registration{Engine: tesseract, Plan: TesseractPlan(tesseract.Name())}); err != nil {
			return nil, err
		}
	}
	if detection != nil {
		if err := r.Register(Registration{Engine: detection, Plan: DetectionPlan(detection.Name())}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
