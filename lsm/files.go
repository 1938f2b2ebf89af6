package lsm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
	"golang.org/x/time/rate"
)

const (
	manifestFileName = "MANIFEST"
	sstExt           = ".sst"
	walExt           = ".wal"
	tmpExt           = ".tmp"
)

func sstPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%05d%s", id, sstExt))
}

func walPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%05d%s", id, walExt))
}

// parseFileName splits "00042.sst" into (42, ".sst").
func parseFileName(name string) (uint64, string, bool) {
	ext := filepath.Ext(name)
	id, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return 0, ext, false
	}
	return id, ext, true
}

// syncDir makes renames and creations inside dir durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to open directory %s", dir)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync directory %s", dir)
	}
	return nil
}

// newRateLimiter returns nil when bytesPerSec is zero.
func newRateLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// rateLimitedWriter throttles writes to the limiter's rate in burst-sized chunks.
type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	if w.limiter == nil {
		if err := w.ctx.Err(); err != nil {
			return 0, err
		}
		return w.w.Write(p)
	}
	written := 0
	for len(p) > 0 {
		chunk := min(len(p), w.limiter.Burst())
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

// writeFileSynced writes data to a temporary file next to path, fsyncs it
// and renames it into place. A reader can never observe a partial file at
// path. Cancelling ctx aborts the write and leaves nothing behind.
func writeFileSynced(ctx context.Context, path string, data []byte, limiter *rate.Limiter) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*"+tmpExt)
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := &rateLimitedWriter{ctx: ctx, w: tmp, limiter: limiter}
	if _, err = w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %s", path)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to rename into %s", path)
	}
	return syncDir(dir)
}
