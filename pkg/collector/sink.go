package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	fileSinksMu sync.Mutex
	fileSinks   = map[string]*FileSink{}
)

// FileSink appends lines to a canonical file. One FileSink exists per path
// in the process; every collector of a domain shares it, so whole-line
// writes never interleave.
type FileSink struct {
	path string

	mu   sync.Mutex
	f    *os.File
	refs int
}

// OpenFileSink returns the shared sink for path, opening the file in
// append mode on first use. With truncate set the file is emptied first.
func OpenFileSink(path string, truncate bool) (*FileSink, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fileSinksMu.Lock()
	defer fileSinksMu.Unlock()

	s, ok := fileSinks[key]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(key, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", key, err)
		}
		s = &FileSink{path: key, f: f}
		fileSinks[key] = s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	if truncate {
		if err := s.f.Truncate(0); err != nil {
			return nil, fmt.Errorf("truncate %s: %w", key, err)
		}
	}
	return s, nil
}

// Path returns the absolute file path.
func (s *FileSink) Path() string { return s.path }

// WriteLine appends line plus a newline in a single write.
func (s *FileSink) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("write %s: sink closed", s.path)
	}
	if _, err := s.f.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close releases one reference; the file closes with the last one.
func (s *FileSink) Close() error {
	fileSinksMu.Lock()
	defer fileSinksMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(fileSinks, s.path)
	err := s.f.Close()
	s.f = nil
	return err
}
