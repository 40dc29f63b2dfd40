package sink

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

// publish writes a file through fill and makes it visible at path in one
// rename. Readers never observe a partial file; on failure path is left as
// it was.
func publish(path string, fill func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrap(err, "failed to set file mode")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to publish %s", path)
	}

	// persist the rename itself; not every platform can sync a directory
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
