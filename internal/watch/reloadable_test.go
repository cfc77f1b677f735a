package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileLoader(path string) Loader[string] {
	return func() (*string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s := strings.TrimSpace(string(data))
		if s == "broken" {
			return nil, errors.New("broken content")
		}
		return &s, nil
	}
}

func TestReloadable_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))

	r, err := New(context.Background(), "value", fileLoader(path), path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "one", *r.Load())

	var changes atomic.Int32
	r.OnChange(func(*string) { changes.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))
	require.Eventually(t, func() bool { return *r.Load() == "two" }, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(1))
}

func TestReloadable_KeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "value.txt")
	require.NoError(t, os.WriteFile(path, []byte("good"), 0o600))

	r, err := New(context.Background(), "value", fileLoader(path))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(path, []byte("broken"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, "good", *r.Load())

	require.NoError(t, os.Remove(path))
	assert.Error(t, r.Reload())
	assert.Equal(t, "good", *r.Load())
}

func TestReloadable_InitialFailure(t *testing.T) {
	_, err := New(context.Background(), "missing", fileLoader(filepath.Join(t.TempDir(), "nope")))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	v := "fixed"
	r := Static(&v)
	assert.Equal(t, "fixed", *r.Load())
	assert.NoError(t, r.Reload())
	assert.NoError(t, r.Close())
}
