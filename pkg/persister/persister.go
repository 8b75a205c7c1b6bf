// Package persister implements the CORE's byte-level storage primitive
// (spec §4.9/component I): append/overwrite/delete operations against a
// file, with an optional fsync on every write, and a small pool of open file
// handles so a partition's log/index/timeindex files do not each pay the
// cost of an open(2) on every access.
//
// Grounded on two teacher shapes: the append/rotate/sync/close contract of
// pkg/appendlog.Store, and the pooled-resource-with-limits shape of
// pkg/db.Pool (adapted here from *sql.DB connections to *os.File handles —
// no SQL driver is involved, spec storage is exclusively file-based).
package persister

import (
	"os"
	"sync"

	"github.com/fluxorio/streamline/pkg/apperr"
)

// Persister is the byte-level storage abstraction every segment, index,
// offset and state-log file is built on.
type Persister interface {
	// Append writes data to the end of path, creating it if needed.
	Append(path string, data []byte) error
	// Overwrite replaces the entire contents of path with data.
	Overwrite(path string, data []byte) error
	// WriteAt patches data into path at the given byte offset without
	// touching the rest of the file's contents.
	WriteAt(path string, offset int64, data []byte) error
	// Read returns the full contents of path.
	Read(path string) ([]byte, error)
	// Delete removes path. Missing files are not an error.
	Delete(path string) error
	// Close releases pooled handles.
	Close() error
}

// Config controls fsync behavior and handle pool sizing.
type Config struct {
	// EnforceFsync calls File.Sync() after every Append/Overwrite (spec
	// §6.4 partition.enforce_fsync).
	EnforceFsync bool
	// MaxOpenHandles bounds the handle pool (spec §5 "Open file descriptors
	// ... pooled per partition"). <= 0 means unbounded.
	MaxOpenHandles int
}

type filePersister struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*pooledHandle
	lru     []string // most-recently-used at the end
}

type pooledHandle struct {
	f *os.File
}

// New creates a file-backed Persister.
func New(cfg Config) Persister {
	return &filePersister{cfg: cfg, handles: make(map[string]*pooledHandle)}
}

func (p *filePersister) Append(path string, data []byte) error {
	h, err := p.acquire(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	if err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "open for append: "+path, err)
	}
	if _, err := h.f.Write(data); err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "append: "+path, err)
	}
	if p.cfg.EnforceFsync {
		if err := h.f.Sync(); err != nil {
			return apperr.Wrap(apperr.CodeCannotWriteFile, "fsync: "+path, err)
		}
	}
	return nil
}

func (p *filePersister) Overwrite(path string, data []byte) error {
	p.evict(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "open for overwrite: "+path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "overwrite: "+path, err)
	}
	if p.cfg.EnforceFsync {
		if err := f.Sync(); err != nil {
			return apperr.Wrap(apperr.CodeCannotWriteFile, "fsync: "+path, err)
		}
	}
	return nil
}

func (p *filePersister) WriteAt(path string, offset int64, data []byte) error {
	// Opened standalone rather than through the handle pool: a pooled
	// handle may carry O_APPEND from a prior Append, under which pwrite
	// ignores the given offset and writes at EOF instead on Linux.
	p.evict(path)
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "open for write-at: "+path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "write-at: "+path, err)
	}
	if p.cfg.EnforceFsync {
		if err := f.Sync(); err != nil {
			return apperr.Wrap(apperr.CodeCannotWriteFile, "fsync: "+path, err)
		}
	}
	return nil
}

func (p *filePersister) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeCannotReadFile, "read: "+path, err)
	}
	return data, nil
}

func (p *filePersister) Delete(path string) error {
	p.evict(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.CodeCannotWriteFile, "delete: "+path, err)
	}
	return nil
}

func (p *filePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for path, h := range p.handles {
		if err := h.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.handles, path)
	}
	p.lru = nil
	return firstErr
}

func (p *filePersister) acquire(path string, flags int) (*pooledHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[path]; ok {
		p.touchLocked(path)
		return h, nil
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	h := &pooledHandle{f: f}
	p.handles[path] = h
	p.lru = append(p.lru, path)
	p.evictOverCapacityLocked()
	return h, nil
}

func (p *filePersister) touchLocked(path string) {
	for i, v := range p.lru {
		if v == path {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			break
		}
	}
	p.lru = append(p.lru, path)
}

func (p *filePersister) evictOverCapacityLocked() {
	if p.cfg.MaxOpenHandles <= 0 {
		return
	}
	for len(p.lru) > p.cfg.MaxOpenHandles {
		oldest := p.lru[0]
		p.lru = p.lru[1:]
		if h, ok := p.handles[oldest]; ok {
			_ = h.f.Close()
			delete(p.handles, oldest)
		}
	}
}

func (p *filePersister) evict(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[path]; ok {
		_ = h.f.Close()
		delete(p.handles, path)
		for i, v := range p.lru {
			if v == path {
				p.lru = append(p.lru[:i], p.lru[i+1:]...)
				break
			}
		}
	}
}
