package log

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()

	logger.Info("test")
	logger.Errorf("test %s", "arg")

	_, ok := logger.WithField("key", "value").(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithError(nil).(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithContext(context.Background()).(NopLogger)
	assert.True(t, ok)
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	logger := NewLogrusLogger(l)

	logger.Debug("debug message")
	assert.Contains(t, buf.String(), "debug message")

	buf.Reset()
	logger.WithFields(map[string]interface{}{"k1": "v1", "k2": "v2"}).Info("with fields")
	out := buf.String()
	assert.True(t, strings.Contains(out, "k1=v1") && strings.Contains(out, "k2=v2"))
}

func TestSetup(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wstunnel.log")
		closer, err := Setup(Config{Level: "DEBUG", Output: path, NoColor: true})
		require.NoError(t, err)

		Debugf("hello %s", "file")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello file")
	})

	t.Run("off silences", func(t *testing.T) {
		_, err := Setup(Config{Level: "OFF", Output: OutputStderr})
		require.NoError(t, err)
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := Setup(Config{Level: "LOUD"})
		assert.Error(t, err)
	})
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)

	nop := NewNopLogger()
	SetDefault(nop)
	assert.Equal(t, nop, Default())

	SetDefault(logger)
}
