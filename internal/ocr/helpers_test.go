package ocr

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// fakeEngine returns a fixed text for every variant.
type fakeEngine struct {
	name       string
	text       string
	confidence float64
	available  bool
	delay      time.Duration
	panics     bool
	blocks     bool
	calls      atomic.Int32
}

func newFake(name, text string, confidence float64) *fakeEngine {
	return &fakeEngine{name: name, text: text, confidence: confidence, available: true}
}

func (f *fakeEngine) Name() string    { return f.name }
func (f *fakeEngine) Available() bool { return f.available }

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image) OCRResult {
	f.calls.Add(1)
	start := time.Now()
	if f.panics {
		panic("engine exploded")
	}
	if !f.available {
		return EmptyResult(f.name, time.Since(start).Seconds())
	}
	if f.blocks {
		<-ctx.Done()
		return NewResult(f.name, "text produced after the deadline", 0.99, time.Since(start).Seconds())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return EmptyResult(f.name, time.Since(start).Seconds())
		}
	}
	return NewResult(f.name, f.text, f.confidence, time.Since(start).Seconds())
}

// staticEngine returns a prebuilt result, used as an external recognizer.
type staticEngine struct {
	result OCRResult
	panics bool
}

func (s *staticEngine) Name() string    { return s.result.Engine }
func (s *staticEngine) Available() bool { return true }
func (s *staticEngine) Recognize(ctx context.Context, img image.Image) OCRResult {
	if s.panics {
		panic("external recognizer exploded")
	}
	return s.result
}

// singleStep registers engine with one invocation on the first variant.
func singleStep(e Engine) Registration {
	return Registration{Engine: e, Plan: []PlanStep{{Variant: VariantContrast, Label: e.Name()}}}
}

func registryOf(regs ...Registration) *Registry {
	r := NewRegistry()
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			panic(err)
		}
	}
	return r
}

func testCoordinator(reg *Registry, engines []string) *Coordinator {
	cfg := DefaultCoordinatorConfig()
	cfg.Engines = engines
	cfg.EngineTimeout = 2 * time.Second
	return NewCoordinator(reg, cfg)
}

// textPage draws s in black on a white page.
func textPage(s string, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, h/2+4),
	}
	d.DrawString(s)
	return img
}
