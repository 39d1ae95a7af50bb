// Command ocrpage runs the OCR ensemble over local image files and prints the
// document result as JSON. Each file is one page, in argument order.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/config"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
)

type options struct {
	base                *config.Config
	engines             []string
	languages           []string
	confidenceThreshold float64
	qualityThreshold    float64
	engineTimeout       time.Duration
	externalTimeout     time.Duration
	easyOCRURL          string
	mageAgentURL        string
	pageConcurrency     int
	logLevel            string
	compact             bool
}

func main() {
	// Optional; flag defaults come from the process environment.
	_ = godotenv.Load(".env.nexus")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults, loadErr := config.LoadEnsembleConfig()
	if loadErr != nil {
		defaults = config.Default()
	}
	opts := &options{base: defaults}

	cmd := &cobra.Command{
		Use:          "ocrpage [flags] IMAGE...",
		Short:        "Run the OCR ensemble over page images",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runOCR(ctx, cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.engines, "engines", defaults.Engines, "engines to run (tesseract, easyocr)")
	f.StringSliceVar(&opts.languages, "languages", defaults.TesseractLanguages, "Tesseract language codes")
	f.Float64Var(&opts.confidenceThreshold, "confidence-threshold", defaults.ConfidenceThreshold, "escalate below this confidence")
	f.Float64Var(&opts.qualityThreshold, "quality-threshold", defaults.QualityThreshold, "escalate below this quality score")
	f.DurationVar(&opts.engineTimeout, "engine-timeout", defaults.EngineTimeout, "per-invocation time limit")
	f.DurationVar(&opts.externalTimeout, "external-timeout", defaults.ExternalTimeout, "time limit for one escalation call")
	f.StringVar(&opts.easyOCRURL, "easyocr-url", defaults.EasyOCRURL, "EasyOCR sidecar base URL")
	f.StringVar(&opts.mageAgentURL, "mageagent-url", defaults.MageAgentURL, "MageAgent base URL for escalation")
	f.IntVar(&opts.pageConcurrency, "page-concurrency", defaults.PageConcurrency, "pages processed in parallel")
	f.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	f.BoolVar(&opts.compact, "compact", false, "print single-line JSON")

	return cmd
}

func (o *options) config() (*config.Config, error) {
	c := *o.base
	cfg := &c
	cfg.Engines = o.engines
	cfg.TesseractLanguages = o.languages
	cfg.ConfidenceThreshold = o.confidenceThreshold
	cfg.QualityThreshold = o.qualityThreshold
	cfg.EngineTimeout = o.engineTimeout
	cfg.ExternalTimeout = o.externalTimeout
	cfg.EasyOCRURL = o.easyOCRURL
	cfg.MageAgentURL = o.mageAgentURL
	cfg.PageConcurrency = o.pageConcurrency
	if err := cfg.ValidateEnsemble(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runOCR(ctx context.Context, cmd *cobra.Command, opts *options, paths []string) error {
	logging.SetLevel(logging.ParseLevel(opts.logLevel))

	cfg, err := opts.config()
	if err != nil {
		return err
	}

	pages := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if int64(len(data)) > cfg.MaxImageBytes {
			return fmt.Errorf("%s: %d bytes exceeds the %d byte limit", path, len(data), cfg.MaxImageBytes)
		}
		img, _, err := processor.DecodeImage(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		pages = append(pages, img)
	}

	stack, err := ocr.BuildStack(cfg)
	if err != nil {
		return err
	}

	doc := stack.Pipeline.ExtractDocumentWith(ctx, pages, cfg.Engines)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !opts.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(doc)
}
