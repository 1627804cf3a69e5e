package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileRecord is one line of a dead-letter file.
type FileRecord struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Value   string            `json:"value"`
	Headers map[string]string `json:"headers"`
}

// FilePublisher appends dead-lettered events as JSON lines to one file per
// topic under a directory. Used when no broker is available for
// dead-lettering.
type FilePublisher struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilePublisher creates the directory if needed.
func NewFilePublisher(dir string) (*FilePublisher, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead-letter directory: %w", err)
	}
	return &FilePublisher{dir: dir, files: make(map[string]*os.File)}, nil
}

// Path returns the file that receives events for topic.
func (p *FilePublisher) Path(topic string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_", "..", "_").Replace(topic)
	return filepath.Join(p.dir, name+".jsonl")
}

// Publish appends one record and syncs the file.
func (p *FilePublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(FileRecord{Topic: topic, Key: string(key), Value: string(value), Headers: headers})
	if err != nil {
		return fmt.Errorf("encode dead-letter record: %w", err)
	}
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.files[topic]
	if !ok {
		f, err = os.OpenFile(p.Path(topic), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open dead-letter file: %w", err)
		}
		p.files[topic] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write dead-letter file: %w", err)
	}
	return f.Sync()
}

// Close closes every open file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for topic, f := range p.files {
		errs = append(errs, f.Close())
		delete(p.files, topic)
	}
	return errors.Join(errs...)
}
