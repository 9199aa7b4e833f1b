//go:build tesseract

package tesseract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	ocrerrors "github.com/blueberrycongee/ocrmux/pkg/errors"
	"github.com/blueberrycongee/ocrmux/pkg/types"
)

// Backend runs OCR in-process through libtesseract.
type Backend struct {
	name          string
	opts          Options
	clientFactory func() *gosseract.Client
}

// New creates a Tesseract backend.
func New(name string, opts Options) (*Backend, error) {
	if name == "" {
		return nil, errors.New("backend name is required")
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{defaultLanguage}
	}
	return &Backend{name: name, opts: opts, clientFactory: gosseract.NewClient}, nil
}

// NewFromOptions is the factory entry point for configuration-driven creation.
func NewFromOptions(name string, raw map[string]string) (backend.Backend, error) {
	opts, err := ParseOptions(raw)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return New(name, opts)
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return b.name
}

type recognition struct {
	res *types.Result
	err error
}

// Process implements backend.Backend. The engine call cannot be interrupted,
// so on cancellation Process returns immediately and the call finishes in
// the background.
func (b *Backend) Process(ctx context.Context, req *types.Request) (*types.Result, error) {
	if len(req.Payload) == 0 {
		return nil, ocrerrors.NewBackendError(b.name, errors.New("request carries no payload bytes"))
	}

	done := make(chan recognition, 1)
	go func() {
		res, err := b.recognize(req)
		done <- recognition{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ocrerrors.NewBackendError(b.name, r.err)
		}
		return r.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ocrerrors.NewBackendTimeout(b.name, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (b *Backend) recognize(req *types.Request) (*types.Result, error) {
	c := b.clientFactory()
	defer c.Close()

	langs := b.opts.languagesFor(req.Language)
	if err := c.SetLanguage(langs...); err != nil {
		return nil, fmt.Errorf("set languages: %w", err)
	}
	if err := c.SetImageFromBytes(req.Payload); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	if b.opts.PageSegMode > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(b.opts.PageSegMode)); err != nil {
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
	}
	if b.opts.Whitelist != "" {
		if err := c.SetWhitelist(b.opts.Whitelist); err != nil {
			return nil, fmt.Errorf("set whitelist: %w", err)
		}
	}
	if b.opts.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(b.opts.DPI)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	var confidences []float64
	if boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD); err == nil {
		confidences = make([]float64, 0, len(boxes))
		for _, box := range boxes {
			confidences = append(confidences, box.Confidence)
		}
	}

	return &types.Result{
		Text:       strings.TrimSpace(text),
		Confidence: averageConfidence(confidences),
		Pages:      1,
		Metadata: map[string]string{
			"engine":    "tesseract",
			"languages": strings.Join(langs, "+"),
		},
	}, nil
}

// Health implements backend.Backend. It checks that the engine loads and that
// the configured languages have trained data installed.
func (b *Backend) Health(ctx context.Context) backend.HealthReport {
	if err := ctx.Err(); err != nil {
		return backend.HealthReport{OK: false, Detail: err.Error()}
	}
	available, err := gosseract.GetAvailableLanguages()
	if err != nil {
		return backend.HealthReport{OK: false, Detail: fmt.Sprintf("list languages: %v", err)}
	}
	if missing := missingLanguages(b.opts.Languages, available); len(missing) > 0 {
		return backend.HealthReport{OK: false, Detail: "missing trained data: " + strings.Join(missing, ",")}
	}

	c := b.clientFactory()
	defer c.Close()
	return backend.HealthReport{OK: true, Detail: "tesseract " + c.Version()}
}
