package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should create missing parent directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "deep", "test.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	t.Run("should append within the size cap", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		for _, line := range []string{"first entry\n", "second entry\n"} {
			n, err := rw.Write([]byte(line))
			require.NoError(t, err)
			assert.Equal(t, len(line), n)
		}

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "first entry\nsecond entry\n", string(content))
	})

	t.Run("should rotate the file aside when the cap is exceeded", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "test.log")
		// A zero cap forces a rotation on every write.
		rw, err := NewRotatingWriter(logFile, 0, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = rw.Write([]byte("first"))
		require.NoError(t, err)
		_, err = rw.Write([]byte("second"))
		require.NoError(t, err)

		live, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "second", string(live))

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		require.NotEmpty(t, rotated)
	})

	t.Run("should fail after close", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)

		require.NoError(t, rw.Close())
		require.NoError(t, rw.Close())

		_, err = rw.Write([]byte("late"))
		assert.Error(t, err)
	})
}

func TestGzipAndRemove(t *testing.T) {
	t.Run("should replace the file with its gzipped form", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.log.20240101-000000")
		require.NoError(t, os.WriteFile(path, []byte("rotated content"), 0644))

		require.NoError(t, gzipAndRemove(path))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		f, err := os.Open(path + ".gz")
		require.NoError(t, err)
		defer f.Close()
		gzr, err := gzip.NewReader(f)
		require.NoError(t, err)
		decoded, err := io.ReadAll(gzr)
		require.NoError(t, err)
		assert.Equal(t, "rotated content", string(decoded))
	})
}

func TestSweepAged(t *testing.T) {
	t.Run("should remove rotated files past the retention window", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "test.log")

		aged := logFile + ".20200101-120000"
		require.NoError(t, os.WriteFile(aged, []byte("old"), 0644))
		old := time.Now().AddDate(0, 0, -10)
		require.NoError(t, os.Chtimes(aged, old, old))

		fresh := logFile + "." + time.Now().Format(rotatedTimeLayout)
		require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0644))

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(aged)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(fresh)
		assert.NoError(t, err)
		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})
}
