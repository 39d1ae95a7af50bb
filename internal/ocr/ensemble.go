package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
)

// DefaultEngines is the engine set used when a caller names none.
var DefaultEngines = []string{TesseractName, EasyOCRName}

const (
	fusionConfidenceBonus = 1.1
	refineConfidenceBonus = 1.05
	rankQualityWeight     = 0.7
	rankConfidenceWeight  = 0.3
	defaultEngineTimeout  = 30 * time.Second
	defaultConfThreshold  = 0.7
	defaultQualThreshold  = 0.6
	defaultEngineWorkers  = 5
)

// CoordinatorConfig holds ensemble settings
type CoordinatorConfig struct {
	ConfidenceThreshold float64
	QualityThreshold    float64
	Engines             []string
	EngineTimeout       time.Duration
	Concurrency         int
}

// DefaultCoordinatorConfig returns the stock thresholds and limits.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ConfidenceThreshold: defaultConfThreshold,
		QualityThreshold:    defaultQualThreshold,
		Engines:             DefaultEngines,
		EngineTimeout:       defaultEngineTimeout,
		Concurrency:         defaultEngineWorkers,
	}
}

// Coordinator runs the registered engines over a page's variants and picks
// the best result.
type Coordinator struct {
	registry *Registry
	cfg      CoordinatorConfig
	logger   *logging.Logger
}

// NewCoordinator creates a coordinator over registry
func NewCoordinator(registry *Registry, cfg CoordinatorConfig) *Coordinator {
	if len(cfg.Engines) == 0 {
		cfg.Engines = DefaultEngines
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = defaultEngineTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		registry: registry,
		cfg:      cfg,
		logger:   logging.NewLogger("Coordinator"),
	}
}

type invocation struct {
	index   int
	engine  Engine
	variant int
	label   string
}

// Run produces the ensemble outcome for one page using the configured engines.
func (c *Coordinator) Run(ctx context.Context, img image.Image) EnsembleOutcome {
	return c.RunEngines(ctx, img, nil)
}

// RunEngines is Run with an explicit engine set; nil means the configured set.
//
// Invocations execute concurrently but results are kept in plan order, so
// every order-dependent tie-break matches a sequential run. Once ctx is done
// no further invocations start.
func (c *Coordinator) RunEngines(ctx context.Context, img image.Image, engines []string) EnsembleOutcome {
	if engines == nil {
		engines = c.cfg.Engines
	}
	variants := GenerateVariants(img)
	plan := c.plan(engines)

	results := make([]OCRResult, len(plan))
	ran := make([]bool, len(plan))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, inv := range plan {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[inv.index] = c.invoke(ctx, inv, variants[inv.variant])
			ran[inv.index] = true
			return nil
		})
	}
	_ = g.Wait()

	all := make([]OCRResult, 0, len(plan))
	for i := range plan {
		if ran[i] {
			all = append(all, results[i])
		}
	}
	if skipped := len(plan) - len(all); skipped > 0 {
		c.logger.Warn("Page deadline reached, invocations skipped", "skipped", skipped, "completed", len(all))
	}

	return Decide(all, c.cfg.ConfidenceThreshold, c.cfg.QualityThreshold)
}

func (c *Coordinator) plan(engines []string) []invocation {
	var plan []invocation
	for _, name := range engines {
		reg, ok := c.registry.Lookup(name)
		if !ok {
			c.logger.Warn("Requested engine is not registered, skipping", "engine", name)
			continue
		}
		for _, step := range reg.Plan {
			plan = append(plan, invocation{
				index:   len(plan),
				engine:  reg.Engine,
				variant: step.Variant,
				label:   step.Label,
			})
		}
	}
	return plan
}

// invoke runs one engine on one variant under its own timeout. A timeout or
// panic degrades to the all-zero result.
func (c *Coordinator) invoke(ctx context.Context, inv invocation, img image.Image) (res OCRResult) {
	ictx, cancel := context.WithTimeout(ctx, c.cfg.EngineTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Engine panicked", "engine", inv.label, "panic", fmt.Sprint(r))
			res = EmptyResult(inv.label, time.Since(start).Seconds())
		}
	}()

	res = inv.engine.Recognize(ictx, img)
	if err := ictx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Engine timed out", "engine", inv.label, "timeout", c.cfg.EngineTimeout)
		}
		return EmptyResult(inv.label, time.Since(start).Seconds())
	}
	res.Engine = inv.label
	return res
}

// Decide turns the raw invocation results into an outcome: filter, then fuse
// (two or more valid results) or refine (exactly one), then apply the
// escalation thresholds to the chosen result.
func Decide(all []OCRResult, confidenceThreshold, qualityThreshold float64) EnsembleOutcome {
	var valid []OCRResult
	for _, r := range all {
		if strings.TrimSpace(r.Text) != "" && r.QualityScore > validQualityFloor {
			valid = append(valid, r)
		}
	}

	if len(valid) == 0 {
		return EnsembleOutcome{
			BestResult:       EmptyResult(EngineNone, 0),
			AllResults:       all,
			NeedsExternalAPI: true,
			FusionUsed:       false,
		}
	}

	var best OCRResult
	fusionUsed := false

	if len(valid) >= 2 {
		inputs := make([]FusionInput, len(valid))
		for i, r := range valid {
			inputs[i] = FusionInput{Text: r.Text, Confidence: r.Confidence}
		}
		fused := FuseAndRefine(inputs)

		if fused != "" && fused != valid[0].Text {
			var confSum, timeSum float64
			for _, r := range valid {
				confSum += r.Confidence
				timeSum += r.ProcessingTime
			}
			best = derivedResult(EngineFusion, fused,
				math.Min(confSum/float64(len(valid))*fusionConfidenceBonus, 1.0),
				Score(fused), timeSum)
			fusionUsed = true
		} else {
			best = rankBest(valid)
		}
	} else {
		single := valid[0]
		refined := Refine(single.Text)
		if refined != single.Text {
			best = derivedResult(single.Engine+refinedSuffix, refined,
				math.Min(single.Confidence*refineConfidenceBonus, 1.0),
				Score(refined), single.ProcessingTime)
		} else {
			best = single
		}
	}

	return EnsembleOutcome{
		BestResult:       best,
		AllResults:       all,
		NeedsExternalAPI: NeedsEscalation(best, confidenceThreshold, qualityThreshold),
		FusionUsed:       fusionUsed,
	}
}

// NeedsEscalation is true when either metric is below its threshold.
func NeedsEscalation(r OCRResult, confidenceThreshold, qualityThreshold float64) bool {
	return r.Confidence < confidenceThreshold || r.QualityScore < qualityThreshold
}

// rankBest returns the highest quality*0.7+confidence*0.3; earliest wins ties.
func rankBest(results []OCRResult) OCRResult {
	best := results[0]
	bestRank := rank(best)
	for _, r := range results[1:] {
		if v := rank(r); v > bestRank {
			best, bestRank = r, v
		}
	}
	return best
}

func rank(r OCRResult) float64 {
	return r.QualityScore*rankQualityWeight + r.Confidence*rankConfidenceWeight
}
