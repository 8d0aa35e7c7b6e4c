// Package tail follows growing log files line by line.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrFileRemoved is returned by Poll once the followed file no longer exists.
var ErrFileRemoved = errors.New("tail: file removed")

// Tailer yields complete lines appended to a source after Open.
type Tailer interface {
	Open(ctx context.Context) error
	// Poll returns the complete lines available now, waiting up to timeout
	// for new data when there are none.
	Poll(ctx context.Context, timeout time.Duration) ([]string, error)
	Close() error
}

const readChunk = 32 * 1024

// MaxLineSize bounds one buffered line. Longer lines are dropped.
const MaxLineSize = 1024 * 1024

// FileCursor tails one file from its end at Open time. It buffers partial
// lines, restarts from offset 0 when the file shrinks or is replaced, and
// uses fsnotify to wake early, falling back to plain polling.
type FileCursor struct {
	path string
	log  *logrus.Logger

	mu      sync.Mutex
	f       *os.File
	offset  int64
	partial []byte
	maxLine int
	// skipping is set while discarding the rest of an oversized line.
	skipping bool
	watcher *fsnotify.Watcher
	wake    chan struct{}
	cancel  context.CancelFunc
}

// NewFileCursor creates a cursor for path. Nothing is opened until Open.
func NewFileCursor(path string, log *logrus.Logger) *FileCursor {
	return &FileCursor{path: path, log: log, maxLine: MaxLineSize, wake: make(chan struct{}, 1)}
}

// Path returns the followed file.
func (c *FileCursor) Path() string { return c.path }

// Offset returns the byte offset of the next unread byte.
func (c *FileCursor) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Open creates the file if missing and positions the cursor at its end.
func (c *FileCursor) Open(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return fmt.Errorf("seek %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.f = f
	c.offset = end
	c.partial = nil
	c.mu.Unlock()

	c.startWatcher(ctx)
	return nil
}

func (c *FileCursor) startWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.WithError(err).WithField("path", c.path).Warn("fsnotify unavailable, polling only")
		return
	}
	// Watch the parent directory so truncation and replacement are seen.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		c.log.WithError(err).WithField("path", c.path).Warn("Cannot watch log dir, polling only")
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.watcher = watcher
	c.cancel = cancel
	c.mu.Unlock()

	target := filepath.Clean(c.path)
	go func() {
		for {
			select {
			case <-wctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target {
					c.signal()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.WithError(err).Debug("Watcher error")
			}
		}
	}()
}

func (c *FileCursor) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Poll returns newly completed lines. ErrFileRemoved is fatal; a context
// error is returned when ctx ends while waiting.
func (c *FileCursor) Poll(ctx context.Context, timeout time.Duration) ([]string, error) {
	lines, err := c.readLines()
	if err != nil || len(lines) > 0 {
		return lines, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.wake:
	case <-timer.C:
	}
	return c.readLines()
}

func (c *FileCursor) readLines() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil, fmt.Errorf("tail %s: not open", c.path)
	}

	info, err := os.Stat(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileRemoved, c.path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", c.path, err)
	}
	if err := c.reopenIfReplacedLocked(info); err != nil {
		return nil, err
	}
	if info.Size() < c.offset {
		c.log.WithFields(logrus.Fields{"path": c.path, "offset": c.offset, "size": info.Size()}).Info("Log file truncated, rewinding")
		c.offset = 0
		c.partial = nil
		c.skipping = false
	}

	var lines []string
	buf := make([]byte, readChunk)
	for {
		n, err := c.f.ReadAt(buf, c.offset)
		if n > 0 {
			c.partial = append(c.partial, buf[:n]...)
			c.offset += int64(n)
			lines = append(lines, c.splitLocked()...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", c.path, err)
		}
	}
	return lines, nil
}

func (c *FileCursor) reopenIfReplacedLocked(info os.FileInfo) error {
	current, err := c.f.Stat()
	if err == nil && os.SameFile(current, info) {
		return nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", c.path, err)
	}
	c.f.Close()
	c.f = f
	c.offset = 0
	c.partial = nil
	c.skipping = false
	c.log.WithField("path", c.path).Info("Log file replaced, following new file")
	return nil
}

// splitLocked extracts complete lines from the buffer, keeping any
// trailing partial line up to maxLine bytes.
func (c *FileCursor) splitLocked() []string {
	if c.skipping {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			c.partial = nil
			return nil
		}
		c.partial = c.partial[i+1:]
		c.skipping = false
	}
	var lines []string
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		if i > c.maxLine {
			c.log.WithFields(logrus.Fields{"path": c.path, "bytes": i}).Warn("Dropping oversized log line")
		} else {
			line := bytes.TrimRight(c.partial[:i], "\r")
			lines = append(lines, string(line))
		}
		c.partial = c.partial[i+1:]
	}
	if len(c.partial) > c.maxLine {
		c.log.WithFields(logrus.Fields{"path": c.path, "bytes": len(c.partial)}).Warn("Dropping oversized log line")
		c.partial = nil
		c.skipping = true
	}
	if len(c.partial) == 0 {
		c.partial = nil
	}
	return lines
}

// Close stops the watcher and closes the file.
func (c *FileCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.watcher != nil {
		c.watcher.Close()
		c.watcher = nil
	}
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}
