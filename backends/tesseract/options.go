// Package tesseract implements a local backend on top of the Tesseract OCR
// engine. The engine binding needs cgo and libtesseract, so it is only
// compiled with the "tesseract" build tag; without it New reports that the
// engine is unavailable.
package tesseract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const defaultLanguage = "eng"

// ErrNotCompiled is reported by Process and Health when the binary was built
// without the tesseract build tag.
var ErrNotCompiled = errors.New("tesseract support not compiled in (build with -tags tesseract)")

// Options configures a Backend.
type Options struct {
	// Languages are Tesseract language codes used when a request names none.
	Languages []string
	// PageSegMode overrides Tesseract's page segmentation mode when non-zero.
	PageSegMode int
	// Whitelist restricts recognized characters.
	Whitelist string
	// DPI is passed as user_defined_dpi when non-zero.
	DPI int
}

// ParseOptions reads Options from a configuration options map.
//
// Recognized keys: languages (comma separated), psm, whitelist, dpi.
func ParseOptions(raw map[string]string) (Options, error) {
	opts := Options{
		Languages: splitLanguages(raw["languages"]),
		Whitelist: raw["whitelist"],
	}
	if len(opts.Languages) == 0 {
		opts.Languages = []string{defaultLanguage}
	}
	if v, ok := raw["psm"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 13 {
			return Options{}, fmt.Errorf("psm must be an integer between 0 and 13, got %q", v)
		}
		opts.PageSegMode = n
	}
	if v, ok := raw["dpi"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Options{}, fmt.Errorf("dpi must be a positive integer, got %q", v)
		}
		opts.DPI = n
	}
	return opts, nil
}

// languagesFor picks the languages for one request. A request language such
// as "deu" or "eng+fra" wins over the configured default.
func (o Options) languagesFor(requested string) []string {
	if langs := splitLanguages(requested); len(langs) > 0 {
		return langs
	}
	if len(o.Languages) == 0 {
		return []string{defaultLanguage}
	}
	return o.Languages
}

func splitLanguages(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// missingLanguages returns the entries of want not present in available.
func missingLanguages(want, available []string) []string {
	have := make(map[string]struct{}, len(available))
	for _, l := range available {
		have[l] = struct{}{}
	}
	var missing []string
	for _, l := range want {
		if _, ok := have[l]; !ok {
			missing = append(missing, l)
		}
	}
	return missing
}

// averageConfidence converts Tesseract's 0-100 word confidences to a 0-1 mean.
func averageConfidence(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range confidences {
		sum += c / 100.0
	}
	avg := sum / float64(len(confidences))
	if avg < 0 {
		return 0
	}
	if avg > 1 {
		return 1
	}
	return avg
}
