package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	triedEmptyFile    = ".tried-empty"
	lastCompletedFile = ".last-completed"
)

// progressTracker remembers subscription-days the provider had no data for
// and the last date range a history run finished, so interrupted runs resume
// without repeating requests.
type progressTracker struct {
	mu         sync.Mutex
	dir        string
	triedEmpty map[string]struct{}
	file       *os.File
	writer     *bufio.Writer
}

// newProgressTracker opens the state under dir, loading any existing
// .tried-empty entries.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	pt := &progressTracker{dir: dir, triedEmpty: make(map[string]struct{})}

	data, err := os.ReadFile(pt.path(triedEmptyFile))
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if key := strings.TrimSpace(line); key != "" {
				pt.triedEmpty[key] = struct{}{}
			}
		}
	}
	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) path(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(p.path(triedEmptyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", triedEmptyFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// IsTriedEmpty reports whether key already came back empty.
func (p *progressTracker) IsTriedEmpty(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.triedEmpty[key]
	return ok
}

// MarkEmpty records keys as tried-empty.
func (p *progressTracker) MarkEmpty(keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range keys {
		if _, ok := p.triedEmpty[key]; ok {
			continue
		}
		p.triedEmpty[key] = struct{}{}
		if _, err := p.writer.WriteString(key + "\n"); err != nil {
			return fmt.Errorf("writing to %s: %w", triedEmptyFile, err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted records run as the last finished history run.
func (p *progressTracker) MarkCompleted(run string) error {
	return os.WriteFile(p.path(lastCompletedFile), []byte(run), 0o644)
}

// IsCompleted reports whether run is the last finished history run.
func (p *progressTracker) IsCompleted(run string) bool {
	return p.LastCompleted() == run
}

// LastCompleted returns the last finished history run, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(p.path(lastCompletedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets every tried-empty key.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.triedEmpty = make(map[string]struct{})
	if err := os.Remove(p.path(triedEmptyFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", triedEmptyFile, err)
	}
	return p.open()
}

// Close flushes and closes the .tried-empty file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		err := p.file.Close()
		p.file = nil
		return err
	}
	return nil
}
