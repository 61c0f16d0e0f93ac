package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

type FileOptions struct {
	// Watch reloads the in-memory view when another process rewrites the
	// file, so reads see other writers without waiting for a mutation.
	Watch  bool
	Logger logr.Logger
}

type fileState struct {
	Items map[string]string `json:"items"`
}

// File keeps every entry in a single JSON document that is rewritten
// atomically on each mutation. A mutation re-reads the document and changes
// only its own key, so writers sharing the file keep each other's entries.
// Writers racing between read and rename still lose one of the two writes;
// there is no cross-process lock.
type File struct {
	path   string
	logger logr.Logger

	mu        sync.RWMutex
	items     map[string]string
	lastWrite []byte
	closed    bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFile(path string, opts FileOptions) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	f := &File{
		path:   filepath.Clean(path),
		logger: opts.Logger,
		items:  map[string]string{},
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	if opts.Watch {
		if err := f.watch(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return "", false, ErrClosed
	}
	value, ok := f.items[key]
	return value, ok, nil
}

func (f *File) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.mutateLocked(func(items map[string]string) bool {
		items[key] = value
		return true
	})
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return f.mutateLocked(func(items map[string]string) bool {
		if _, ok := items[key]; !ok {
			return false
		}
		delete(items, key)
		return true
	})
}

func (f *File) Keys(prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	return matchingKeys(f.items, prefix), nil
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	watcher := f.watcher
	f.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-f.done
	return err
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	items, err := decodeFileState(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.items = items
	f.lastWrite = data
	f.mu.Unlock()
	return nil
}

func decodeFileState(data []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}
	var snapshot fileState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]string{}
	}
	return snapshot.Items, nil
}

// mutateLocked applies change to a copy of the latest on-disk view and
// writes it back. change reports whether it modified anything. The
// in-memory view is replaced only once the write succeeded.
func (f *File) mutateLocked(change func(map[string]string) bool) error {
	current, fresh := f.latestLocked()
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if !change(next) {
		if fresh != nil {
			f.items = current
			f.lastWrite = fresh
		}
		return nil
	}
	data, err := json.Marshal(fileState{Items: next})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, data, 0o644); err != nil {
		return err
	}
	f.items = next
	f.lastWrite = data
	return nil
}

// latestLocked returns the entries as currently stored on disk. fresh is
// the file content when it differs from what this process last saw.
func (f *File) latestLocked() (items map[string]string, fresh []byte) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Error(err, "storage file read failed", "path", f.path)
		}
		return f.items, nil
	}
	if bytes.Equal(data, f.lastWrite) {
		return f.items, nil
	}
	items, err = decodeFileState(data)
	if err != nil {
		f.logger.V(1).Info("ignoring unreadable storage file", "path", f.path, "error", err.Error())
		return f.items, nil
	}
	return items, data
}

// watch follows the parent directory since atomic renames replace the
// file's inode and would silently detach a watch on the file itself.
func (f *File) watch() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	f.watcher = watcher
	f.done = make(chan struct{})
	go f.watchLoop(watcher)
	return nil
}

func (f *File) watchLoop(watcher *fsnotify.Watcher) {
	defer close(f.done)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				f.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error(err, "storage file watch failed", "path", f.path)
		}
	}
}

func (f *File) reload() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Error(err, "storage file reload failed", "path", f.path)
		}
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || bytes.Equal(data, f.lastWrite) {
		return
	}
	items, err := decodeFileState(data)
	if err != nil {
		// Keep serving the last good view until the writer finishes.
		f.logger.V(1).Info("ignoring unreadable storage file", "path", f.path, "error", err.Error())
		return
	}
	f.items = items
	f.lastWrite = data
	f.logger.V(1).Info("storage file reloaded", "path", f.path, "keys", len(items))
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
