package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cerrors "github.com/objectfs/blobcache/pkg/errors"
)

// pathFor returns a fresh file name "<millis>.<hex digest of key>". Millis are
// strictly increasing per engine so two writes of one key never share a name.
// Callers hold e.mu.
func (e *Engine) pathFor(key string) string {
	millis := e.now().UnixMilli()
	if millis <= e.lastMillis {
		millis = e.lastMillis + 1
	}
	e.lastMillis = millis
	return filepath.Join(e.dir, fmt.Sprintf("%d.%s", millis, e.addresser.HexDigest(key)))
}

// ownsPath reports whether path lies inside this engine's cache directory.
func (e *Engine) ownsPath(path string) bool {
	dir, err := filepath.Abs(e.dir)
	if err != nil {
		dir = filepath.Clean(e.dir)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		target = filepath.Clean(path)
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// flushToDisk writes payload to a new file at path. On failure nothing is left behind.
func (e *Engine) flushToDisk(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to create cache directory").
			WithComponent("cache").WithOperation("flush")
	}

	f, err := e.openFile(path)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to create cache file").
			WithComponent("cache").WithOperation("flush")
	}

	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		e.removeFile(path)
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to write cache file").
			WithComponent("cache").WithOperation("flush")
	}
	if err := f.Close(); err != nil {
		e.removeFile(path)
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to close cache file").
			WithComponent("cache").WithOperation("flush")
	}
	return nil
}

func createExclusive(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
}
