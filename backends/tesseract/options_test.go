package tesseract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]string{
		"languages": "eng, deu",
		"psm":       "6",
		"dpi":       "300",
		"whitelist": "0123456789",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"eng", "deu"}, opts.Languages)
	assert.Equal(t, 6, opts.PageSegMode)
	assert.Equal(t, 300, opts.DPI)
	assert.Equal(t, "0123456789", opts.Whitelist)
}

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"eng"}, opts.Languages)
	assert.Zero(t, opts.PageSegMode)
}

func TestParseOptions_Invalid(t *testing.T) {
	for _, raw := range []map[string]string{
		{"psm": "14"},
		{"psm": "auto"},
		{"dpi": "0"},
	} {
		_, err := ParseOptions(raw)
		assert.Error(t, err, "%v", raw)
	}
}

func TestLanguagesFor(t *testing.T) {
	opts := Options{Languages: []string{"eng"}}
	assert.Equal(t, []string{"eng"}, opts.languagesFor(""))
	assert.Equal(t, []string{"deu"}, opts.languagesFor("DEU"))
	assert.Equal(t, []string{"eng", "fra"}, opts.languagesFor("eng+fra"))
	assert.Equal(t, []string{"eng"}, Options{}.languagesFor(""))
}

func TestMissingLanguages(t *testing.T) {
	assert.Empty(t, missingLanguages([]string{"eng"}, []string{"eng", "osd"}))
	assert.Equal(t, []string{"jpn"}, missingLanguages([]string{"eng", "jpn"}, []string{"eng"}))
}

func TestAverageConfidence(t *testing.T) {
	assert.Zero(t, averageConfidence(nil))
	assert.InDelta(t, 0.9, averageConfidence([]float64{80, 100}), 1e-9)
	assert.Equal(t, 1.0, averageConfidence([]float64{250}))
}
