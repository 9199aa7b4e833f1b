package backends

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/ocrmux/pkg/backend"
	"github.com/blueberrycongee/ocrmux/tests/testutil"
)

func TestDefaultTypes(t *testing.T) {
	assert.Equal(t, []string{TypeHTTP, TypeTesseract}, Default().Types())
}

func TestCreateHTTP(t *testing.T) {
	mock := testutil.NewMockOCRServer()
	defer mock.Close()

	b, err := Default().Create(Config{
		Name:    "cloud",
		Type:    TypeHTTP,
		Options: map[string]string{"endpoint": mock.URL(), "allow_private": "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cloud", b.Name())
}

func TestCreateUnknownType(t *testing.T) {
	_, err := Default().Create(Config{Name: "x", Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend type")
}

func TestCreateFactoryError(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("broken", func(string, map[string]string) (backend.Backend, error) {
		return nil, errors.New("boom")
	})

	_, err := r.Create(Config{Name: "b", Type: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create backend b")
}

func TestCreateNameMismatch(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("fake", func(string, map[string]string) (backend.Backend, error) {
		return testutil.NewFakeBackend("other"), nil
	})

	_, err := r.Create(Config{Name: "mine", Type: "fake"})
	assert.Error(t, err)
}

func TestCustomFactory(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("fake", func(name string, _ map[string]string) (backend.Backend, error) {
		return testutil.NewFakeBackend(name), nil
	})

	b, err := r.Create(Config{Name: "mine", Type: "fake"})
	require.NoError(t, err)
	assert.Equal(t, "mine", b.Name())
}
