package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Backlog is the externally maintained, ordered list of work items. Next
// returns ok=false past the end of the list.
type Backlog interface {
	Next(ctx context.Context, index int) (description string, ok bool, err error)
}

// SliceBacklog is an in-memory backlog.
type SliceBacklog []string

func (b SliceBacklog) Next(_ context.Context, index int) (string, bool, error) {
	if index < 0 || index >= len(b) {
		return "", false, nil
	}
	return b[index], true, nil
}

// BacklogItem is one entry of the backlog file.
type BacklogItem struct {
	Description string `yaml:"description"`
}

// backlogFile accepts either a bare list of strings or an items list:
//
//	items:
//	  - description: Add login endpoint
//	  - Add logout endpoint
type backlogFile struct {
	Items []yaml.Node `yaml:"items"`
}

// FileBacklog reads .forge/backlog.yaml and reloads it when it changes.
// Items are addressed by position, so entries should only be appended.
type FileBacklog struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	items []string
}

// LoadFileBacklog reads the backlog file. A missing file is an empty backlog.
func LoadFileBacklog(path string, logger *zap.Logger) (*FileBacklog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &FileBacklog{path: path, log: logger}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Next implements Backlog.
func (b *FileBacklog) Next(_ context.Context, index int) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.items) {
		return "", false, nil
	}
	return b.items[index], true, nil
}

// Len returns the number of items currently loaded.
func (b *FileBacklog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Reload re-reads the file. On a parse error the previous items are kept.
func (b *FileBacklog) Reload() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		b.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backlog: %w", err)
	}
	items, err := ParseBacklog(data)
	if err != nil {
		return fmt.Errorf("parse backlog %s: %w", b.path, err)
	}
	b.set(items)
	return nil
}

func (b *FileBacklog) set(items []string) {
	b.mu.Lock()
	b.items = items
	b.mu.Unlock()
}

// ParseBacklog decodes backlog YAML in either supported shape.
func ParseBacklog(data []byte) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]

	var nodes []*yaml.Node
	switch doc.Kind {
	case yaml.SequenceNode:
		nodes = doc.Content
	case yaml.MappingNode:
		var f backlogFile
		if err := doc.Decode(&f); err != nil {
			return nil, err
		}
		for i := range f.Items {
			nodes = append(nodes, &f.Items[i])
		}
	default:
		return nil, fmt.Errorf("backlog must be a list or an items mapping")
	}

	var items []string
	for i, n := range nodes {
		var desc string
		switch n.Kind {
		case yaml.ScalarNode:
			desc = n.Value
		case yaml.MappingNode:
			var it BacklogItem
			if err := n.Decode(&it); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			desc = it.Description
		default:
			return nil, fmt.Errorf("item %d: expected a string or a mapping", i)
		}
		desc = strings.TrimSpace(desc)
		if desc == "" {
			return nil, fmt.Errorf("item %d: empty description", i)
		}
		items = append(items, desc)
	}
	return items, nil
}

// Watch reloads the backlog whenever the file is written, until ctx is
// done. The parent directory is watched so editors that replace the file
// are picked up too.
func (b *FileBacklog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(b.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(b.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if err := b.Reload(); err != nil {
					b.log.Warn("backlog reload failed", zap.Error(err))
					continue
				}
				b.log.Info("backlog reloaded", zap.Int("items", b.Len()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}
