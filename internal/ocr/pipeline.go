package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
)

// Pipeline is the page- and document-level entry point: ensemble, then
// escalation, with a degraded path for pages that blow up.
type Pipeline struct {
	coordinator     *Coordinator
	external        Engine
	externalTimeout time.Duration
	fallback        Engine
	pageConcurrency int
	logger          *logging.Logger
}

// PipelineConfig wires the collaborators of a Pipeline.
type PipelineConfig struct {
	Coordinator *Coordinator
	// External is consulted when the ensemble's best result is below threshold.
	External Engine
	// ExternalTimeout bounds one escalation call. Zero uses the
	// coordinator's per-invocation timeout.
	ExternalTimeout time.Duration
	// Fallback runs once on FallbackVariant when the ensemble panics.
	Fallback        Engine
	PageConcurrency int
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.PageConcurrency < 1 {
		cfg.PageConcurrency = 1
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = defaultEngineTimeout
		if cfg.Coordinator != nil {
			cfg.ExternalTimeout = cfg.Coordinator.cfg.EngineTimeout
		}
	}
	return &Pipeline{
		coordinator:     cfg.Coordinator,
		external:        cfg.External,
		externalTimeout: cfg.ExternalTimeout,
		fallback:        cfg.Fallback,
		pageConcurrency: cfg.PageConcurrency,
		logger:          logging.NewLogger("Pipeline"),
	}
}

// ExtractPage runs the configured engines on one page.
func (p *Pipeline) ExtractPage(ctx context.Context, img image.Image) PageResult {
	return p.ExtractPageWith(ctx, img, nil)
}

// ExtractPageWith runs the ensemble with an explicit engine set (nil for the
// configured one) and lets the external recognizer replace the local best
// result only when its quality is strictly higher.
func (p *Pipeline) ExtractPageWith(ctx context.Context, img image.Image, engines []string) PageResult {
	b := img.Bounds()
	p.logger.Debug("Starting OCR for page", "width", b.Dx(), "height", b.Dy())

	outcome := p.coordinator.RunEngines(ctx, img, engines)
	best := outcome.BestResult
	p.logger.Info("Best local result",
		"engine", best.Engine,
		"confidence", best.Confidence,
		"quality", best.QualityScore,
		"fusion", outcome.FusionUsed)

	usedExternal := false
	if outcome.NeedsExternalAPI {
		external := p.escalate(ctx, img)
		if external.QualityScore > best.QualityScore {
			p.logger.Info("External recognizer improved result", "engine", external.Engine, "quality", external.QualityScore)
			best = external
			usedExternal = true
		} else {
			p.logger.Info("External recognizer did not improve result, keeping local", "engine", external.Engine)
		}
	}

	return PageResult{
		Text:             best.Text,
		Confidence:       best.Confidence,
		QualityScore:     best.QualityScore,
		EngineUsed:       best.Engine,
		ProcessingTime:   best.ProcessingTime,
		WordCount:        len(strings.Fields(best.Text)),
		CharacterCount:   utf8.RuneCountInString(best.Text),
		AllEngineResults: outcome.AllResults,
		UsedExternalAPI:  usedExternal,
		FusionUsed:       outcome.FusionUsed,
	}
}

// escalate calls the external recognizer under its own timeout. Running out
// of time degrades to the unavailable sentinel; the page keeps its local result.
func (p *Pipeline) escalate(ctx context.Context, img image.Image) OCRResult {
	if p.external == nil {
		return EmptyResult(EngineExternalUnavailable, 0)
	}

	ectx, cancel := context.WithTimeout(ctx, p.externalTimeout)
	defer cancel()

	start := time.Now()
	res := p.external.Recognize(ectx, img)
	if err := ectx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("External recognizer timed out", "timeout", p.externalTimeout)
		}
		return EmptyResult(EngineExternalUnavailable, time.Since(start).Seconds())
	}
	return res
}

// ExtractDocument processes pages concurrently and returns them in page order
// with aggregate metrics. A failing page never stops the others.
func (p *Pipeline) ExtractDocument(ctx context.Context, pages []image.Image) DocumentResult {
	return p.ExtractDocumentWith(ctx, pages, nil)
}

// ExtractDocumentWith is ExtractDocument with an explicit engine set.
func (p *Pipeline) ExtractDocumentWith(ctx context.Context, pages []image.Image, engines []string) DocumentResult {
	results := make([]PageResult, len(pages))

	var g errgroup.Group
	g.SetLimit(p.pageConcurrency)
	for i, page := range pages {
		g.Go(func() error {
			results[i] = p.safeExtractPage(ctx, i+1, page, engines)
			return nil
		})
	}
	_ = g.Wait()

	summary := ComputeDocumentMetrics(results)
	p.logger.Info("Document OCR complete",
		"pages", summary.TotalPages,
		"avgConfidence", summary.AvgConfidence,
		"avgQuality", summary.AvgQuality,
		"failedPages", summary.FailedPages)

	return DocumentResult{Pages: results, Summary: summary}
}

func (p *Pipeline) safeExtractPage(ctx context.Context, pageNum int, img image.Image, engines []string) (res PageResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("page %d: %v", pageNum, r)
			p.logger.Error("Page processing failed, using fallback", "page", pageNum, "error", err)
			res = p.fallbackPage(ctx, pageNum, img, err)
		}
	}()

	if img == nil {
		panic("page image is nil")
	}

	res = p.ExtractPageWith(ctx, img, engines)
	res.PageNumber = pageNum
	p.logger.Info("Page processed",
		"page", pageNum,
		"engine", res.EngineUsed,
		"confidence", res.Confidence,
		"quality", res.QualityScore)
	return res
}

// fallbackPage runs a single plain pass on FallbackVariant(img). If that is not
// possible either, the page is reported as failed with empty text.
func (p *Pipeline) fallbackPage(ctx context.Context, pageNum int, img image.Image, cause error) (res PageResult) {
	failed := PageResult{
		PageNumber:       pageNum,
		EngineUsed:       EngineFailed,
		AllEngineResults: []OCRResult{},
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Fallback OCR also failed", "page", pageNum, "panic", fmt.Sprint(r))
			failed.Error = fmt.Sprint(r)
			res = failed
		}
	}()

	if p.fallback == nil || !p.fallback.Available() {
		failed.Error = "fallback engine unavailable"
		p.logger.Error("Fallback OCR unavailable", "page", pageNum, "cause", cause)
		return failed
	}
	if img == nil {
		panic("page image is nil")
	}

	r := p.fallback.Recognize(ctx, FallbackVariant(img))
	if strings.TrimSpace(r.Text) == "" && r.Confidence == 0 {
		// Adapters report internal failure as the all-zero result.
		p.logger.Error("Fallback OCR produced nothing", "page", pageNum, "cause", cause)
		failed.Error = fmt.Sprintf("%v; fallback produced no text", cause)
		failed.ProcessingTime = r.ProcessingTime
		return failed
	}
	p.logger.Warn("Used fallback OCR", "page", pageNum)
	return PageResult{
		PageNumber:       pageNum,
		Text:             r.Text,
		Confidence:       fallbackScore,
		QualityScore:     fallbackScore,
		EngineUsed:       EngineTesseractFallback,
		ProcessingTime:   r.ProcessingTime,
		WordCount:        len(strings.Fields(r.Text)),
		CharacterCount:   utf8.RuneCountInString(r.Text),
		AllEngineResults: []OCRResult{},
		Error:            cause.Error(),
	}
}

// ComputeDocumentMetrics aggregates page results. Pages with an Error count as
// failed and are left out of the averages; every page contributes to the
// processing time and engine set.
func ComputeDocumentMetrics(pages []PageResult) DocumentMetrics {
	m := DocumentMetrics{TotalPages: len(pages), EnginesUsed: []string{}}
	if len(pages) == 0 {
		return m
	}

	engines := make(map[string]struct{})
	var confSum, qualSum float64
	for _, pg := range pages {
		if pg.Error == "" {
			m.SuccessfulPages++
			confSum += pg.Confidence
			qualSum += pg.QualityScore
		} else {
			m.FailedPages++
		}
		m.TotalProcessingTime += pg.ProcessingTime
		engines[pg.EngineUsed] = struct{}{}
		if pg.UsedExternalAPI {
			m.ExternalAPIUsage++
		}
	}

	if m.SuccessfulPages > 0 {
		m.AvgConfidence = confSum / float64(m.SuccessfulPages)
		m.AvgQuality = qualSum / float64(m.SuccessfulPages)
	}
	for e := range engines {
		m.EnginesUsed = append(m.EnginesUsed, e)
	}
	sort.Strings(m.EnginesUsed)
	return m
}
