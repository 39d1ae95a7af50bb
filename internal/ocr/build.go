package ocr

import (
	"context"
	"errors"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/clients"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/config"
)

// ErrBackendNotConfigured is reported for a remote engine without a URL.
var ErrBackendNotConfigured = errors.New("backend URL not configured")

// Stack is a fully wired pipeline plus the pieces callers report on.
type Stack struct {
	Pipeline  *Pipeline
	Registry  *Registry
	Detection *DetectionEngine
	External  *ExternalEngine
}

// CheckBackends calls the health endpoint of each remote engine, keyed by
// engine name. A nil error means the backend answered.
func (s *Stack) CheckBackends(ctx context.Context) map[string]error {
	return map[string]error{
		s.Detection.Name(): s.Detection.CheckHealth(ctx),
		s.External.Name():  s.External.CheckHealth(ctx),
	}
}

// tesseractToISO639_1 maps the Tesseract language codes we ship to the two
// letter codes the detection sidecar expects.
var tesseractToISO639_1 = map[string]string{
	"eng":     "en",
	"deu":     "de",
	"fra":     "fr",
	"spa":     "es",
	"ita":     "it",
	"por":     "pt",
	"nld":     "nl",
	"chi_sim": "ch_sim",
	"jpn":     "ja",
}

// BuildStack wires the engines, coordinator and pipeline described by cfg.
// Engines whose backend URL is empty are registered but report unavailable.
func BuildStack(cfg *config.Config) (*Stack, error) {
	tesseract := NewTesseractEngine(TesseractConfig{Languages: cfg.TesseractLanguages})
	isoLangs := DetectionLanguages(cfg.TesseractLanguages)
	detection := NewDetectionEngine(clients.NewDetectionClient(cfg.EasyOCRURL), isoLangs)
	external := NewExternalEngine(clients.NewMageAgentClient(cfg.MageAgentURL), isoLangs[0])

	registry, err := NewDefaultRegistry(tesseract, detection)
	if err != nil {
		return nil, err
	}

	coordinator := NewCoordinator(registry, CoordinatorConfig{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		QualityThreshold:    cfg.QualityThreshold,
		Engines:             cfg.Engines,
		EngineTimeout:       cfg.EngineTimeout,
		Concurrency:         cfg.EngineConcurrency,
	})

	pipeline := NewPipeline(PipelineConfig{
		Coordinator:     coordinator,
		External:        external,
		ExternalTimeout: cfg.ExternalTimeout,
		Fallback:        tesseract,
		PageConcurrency: cfg.PageConcurrency,
	})

	return &Stack{Pipeline: pipeline, Registry: registry, Detection: detection, External: external}, nil
}

// DetectionLanguages converts Tesseract codes, passing unknown ones through.
// The result is never empty.
func DetectionLanguages(tesseractLangs []string) []string {
	out := make([]string, 0, len(tesseractLangs))
	for _, l := range tesseractLangs {
		if iso, ok := tesseractToISO639_1[l]; ok {
			out = append(out, iso)
		} else {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		out = append(out, "en")
	}
	return out
}

