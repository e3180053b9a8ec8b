// Package storage owns the on-disk layout of a memory store: one append-only
// JSON-lines file per tier, the documents file, the vector index files and the
// writer lock.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/index"
	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

const (
	memoriesDir   = "memories"
	documentsFile = "documents.json"
	indexFile     = "index.bin"
	indexMetaFile = "index.meta.json"
	lockFile      = ".lock"
)

// Options configures Open.
type Options struct {
	// ReadOnly skips the writer lock; every mutating call fails with
	// memerr.ReadOnly.
	ReadOnly bool
}

// Storage is the file layer under a single root directory.
type Storage struct {
	root     string
	readOnly bool
	logger   *zap.Logger

	mu    sync.Mutex
	files map[model.Tier]*os.File
	lock  *Lock

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

// Open prepares root for use. Unless opts.ReadOnly is set, the directory
// tree is created and the writer lock acquired.
func Open(root string, opts Options, logger *zap.Logger) (*Storage, error) {
	s := &Storage{
		root:     root,
		readOnly: opts.ReadOnly,
		logger:   logging.OrNop(logger).With(zap.String("component", "storage")),
		files:    make(map[model.Tier]*os.File),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if opts.ReadOnly {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Join(root, memoriesDir), 0o755); err != nil {
		return nil, memerr.Wrap(memerr.StorageFailed, "open storage", fmt.Errorf("create root: %w", err))
	}
	lock, err := AcquireLock(filepath.Join(root, lockFile), s.logger)
	if err != nil {
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// Root returns the store directory.
func (s *Storage) Root() string { return s.root }

// ReadOnly reports whether the storage was opened without the writer lock.
func (s *Storage) ReadOnly() bool { return s.readOnly }

// TierPath returns the JSON-lines file for tier.
func (s *Storage) TierPath(t model.Tier) string {
	return filepath.Join(s.root, memoriesDir, string(t)+".jsonl")
}

// DocumentsPath returns the documents file path.
func (s *Storage) DocumentsPath() string { return filepath.Join(s.root, documentsFile) }

// IndexPath returns the binary index path.
func (s *Storage) IndexPath() string { return filepath.Join(s.root, indexFile) }

// IndexMetaPath returns the index sidecar path.
func (s *Storage) IndexMetaPath() string { return filepath.Join(s.root, indexMetaFile) }

func (s *Storage) writable(op string) error {
	if s.readOnly {
		return memerr.New(memerr.ReadOnly, op, "store opened read-only")
	}
	return nil
}

func (s *Storage) appendHandle(t model.Tier) (*os.File, error) {
	if f, ok := s.files[t]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.TierPath(t), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t, err)
	}
	s.files[t] = f
	return f, nil
}

// Append writes e as one line at the end of its tier file.
func (s *Storage) Append(e *model.Entry) error {
	if err := s.writable("append"); err != nil {
		return err
	}
	if !model.ValidTiers[e.Tier] {
		return memerr.New(memerr.TierUnknown, "append", "unknown tier %q", e.Tier)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "append", fmt.Errorf("encode entry %d: %w", e.ID, err))
	}
	return s.appendLine(e.Tier, line)
}

// AppendTombstone marks id as deleted in tier's file. Load drops the entry.
func (s *Storage) AppendTombstone(t model.Tier, id int64) error {
	if err := s.writable("tombstone"); err != nil {
		return err
	}
	line, err := json.Marshal(struct {
		ID      int64 `json:"id"`
		Deleted bool  `json:"deleted"`
	}{id, true})
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "tombstone", err)
	}
	return s.appendLine(t, line)
}

func (s *Storage) appendLine(t model.Tier, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.appendHandle(t)
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "append", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return memerr.Wrap(memerr.StorageFailed, "append", fmt.Errorf("write %s: %w", t, err))
	}
	return nil
}

// RewriteTier atomically replaces tier's file with entries.
func (s *Storage) RewriteTier(t model.Tier, entries []*model.Entry) error {
	if err := s.writable("rewrite"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// The append handle points at the old inode once the file is renamed.
	if f, ok := s.files[t]; ok {
		f.Close()
		delete(s.files, t)
	}
	err := s.writeAtomic(s.TierPath(t), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode entry %d: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "rewrite "+string(t), err)
	}
	return nil
}

// Sync flushes every open tier file to disk.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for t, f := range s.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", t, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return memerr.Wrap(memerr.StorageFailed, "sync", err)
	}
	return nil
}

// LoadDocuments reads documents.json. A missing file is an empty set.
func (s *Storage) LoadDocuments() (map[string]*model.Document, error) {
	docs := make(map[string]*model.Document)
	data, err := os.ReadFile(s.DocumentsPath())
	if errors.Is(err, os.ErrNotExist) {
		return docs, nil
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.StorageFailed, "load documents", err)
	}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, memerr.Wrap(memerr.StorageFailed, "load documents", fmt.Errorf("parse %s: %w", documentsFile, err))
	}
	for id, d := range docs {
		d.ID = id
		if d.Metadata == nil {
			d.Metadata = map[string]string{}
		}
	}
	return docs, nil
}

// SaveDocuments atomically rewrites documents.json.
func (s *Storage) SaveDocuments(docs map[string]*model.Document) error {
	if err := s.writable("save documents"); err != nil {
		return err
	}
	err := s.writeAtomic(s.DocumentsPath(), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	})
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "save documents", err)
	}
	return nil
}

// SaveIndex atomically writes the binary index and its meta sidecar.
func (s *Storage) SaveIndex(idx *index.Index) error {
	if err := s.writable("save index"); err != nil {
		return err
	}
	err := s.writeAtomic(s.IndexPath(), func(w io.Writer) error {
		_, err := idx.WriteTo(w)
		return err
	})
	if err == nil {
		err = s.writeAtomic(s.IndexMetaPath(), func(w io.Writer) error {
			return json.NewEncoder(w).Encode(idx.Meta())
		})
	}
	if err != nil {
		return memerr.Wrap(memerr.StorageFailed, "save index", err)
	}
	return nil
}

// LoadIndex reads the binary index. A missing file yields an empty index.
// On any read failure, including a dimension change, an empty index is
// returned together with the error so the caller can re-embed.
func (s *Storage) LoadIndex(opts index.Options, logger *zap.Logger) (*index.Index, error) {
	f, err := os.Open(s.IndexPath())
	if errors.Is(err, os.ErrNotExist) {
		return index.New(opts, logger), nil
	}
	if err != nil {
		return index.New(opts, logger), fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	return index.Read(f, opts, logger)
}

// Close releases file handles and the writer lock.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for t, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", t, err))
		}
		delete(s.files, t)
	}
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

func (s *Storage) newToken() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}
