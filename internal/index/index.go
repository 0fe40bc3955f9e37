// Package index maintains the append-only per-package file tree fetched by
// package tooling. The database is authoritative; these files are a derived
// projection.
package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cratery/cratery/internal/model"
)

// Repository stores one newline-delimited JSON file per package under a
// sharded directory layout, in publication order. Mutations go through a
// per-package mutex; rewrites are write-to-temp + rename so readers never
// observe a partial file.
type Repository struct {
	root  string
	locks *KeyedMutex
	seq   *KeyedMutex
}

// NewRepository opens (and creates if needed) an index tree rooted at root.
func NewRepository(root string) (*Repository, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index root: %w", err)
	}
	return &Repository{
		root:  root,
		locks: NewKeyedMutex(),
		seq:   NewKeyedMutex(),
	}, nil
}

// FilePath returns the sharded relative path for a package name, following
// the registry convention: 1- and 2-letter names under `1/` and `2/`,
// 3-letter names under `3/<first>/`, longer names under the first two
// two-letter shards.
func FilePath(name string) string {
	name = model.NormalizeName(name)
	switch len(name) {
	case 0:
		return ""
	case 1:
		return filepath.Join("1", name)
	case 2:
		return filepath.Join("2", name)
	case 3:
		return filepath.Join("3", name[:1], name)
	default:
		return filepath.Join(name[:2], name[2:4], name)
	}
}

func (r *Repository) path(name string) string {
	return filepath.Join(r.root, FilePath(name))
}

func (r *Repository) dirtyPath(name string) string {
	return r.path(name) + ".dirty"
}

// Append adds one entry to the package's file, creating shard directories on
// first publish, and bumps the mirror sequence number.
func (r *Repository) Append(name string, entry model.IndexEntry) error {
	norm := model.NormalizeName(name)
	r.locks.Lock(norm)
	defer r.locks.Unlock(norm)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode index entry: %w", err)
	}

	path := r.path(norm)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append index entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync index file: %w", err)
	}

	return r.bumpSequence()
}

// Rewrite replaces the package's file with the given entries, atomically.
// An empty entry list removes the file.
func (r *Repository) Rewrite(name string, entries []model.IndexEntry) error {
	norm := model.NormalizeName(name)
	r.locks.Lock(norm)
	defer r.locks.Unlock(norm)

	if err := r.rewriteLocked(norm, entries); err != nil {
		// Mark the file dirty; the reconciler re-derives it from the
		// database on the next access.
		if markErr := os.WriteFile(r.dirtyPath(norm), nil, 0o644); markErr != nil {
			return errors.Join(err, fmt.Errorf("failed to mark index file dirty: %w", markErr))
		}
		return err
	}
	return r.bumpSequence()
}

func (r *Repository) rewriteLocked(norm string, entries []model.IndexEntry) error {
	path := r.path(norm)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove index file: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to encode index entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	// Temp file in the same directory so the rename cannot cross devices.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+norm+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

// SetYanked flips the yanked flag on the matching version line.
func (r *Repository) SetYanked(name, version string, yanked bool) error {
	entries, err := r.Read(name)
	if err != nil {
		return err
	}
	changed := false
	for i := range entries {
		if entries[i].Vers == version && entries[i].Yanked != yanked {
			entries[i].Yanked = yanked
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.Rewrite(name, entries)
}

// RemoveVersion drops the matching version line.
func (r *Repository) RemoveVersion(name, version string) error {
	entries, err := r.Read(name)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Vers != version {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return r.Rewrite(name, kept)
}

// Read parses the package's file. Returns model.ErrNotFound when the package
// has no file.
func (r *Repository) Read(name string) ([]model.IndexEntry, error) {
	raw, err := r.ReadRaw(name)
	if err != nil {
		return nil, err
	}

	var entries []model.IndexEntry
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry model.IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode index line: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	return entries, nil
}

// ReadRaw returns the file bytes as served to package tooling.
func (r *Repository) ReadRaw(name string) ([]byte, error) {
	raw, err := os.ReadFile(r.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	return raw, nil
}

// MarkDirty flags the package's file for reconciliation from the database.
func (r *Repository) MarkDirty(name string) error {
	norm := model.NormalizeName(name)
	if err := os.MkdirAll(filepath.Dir(r.path(norm)), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := os.WriteFile(r.dirtyPath(norm), nil, 0o644); err != nil {
		return fmt.Errorf("failed to mark index file dirty: %w", err)
	}
	return nil
}

// IsDirty reports whether the package's file was marked for reconciliation.
func (r *Repository) IsDirty(name string) bool {
	_, err := os.Stat(r.dirtyPath(model.NormalizeName(name)))
	return err == nil
}

// ClearDirty removes the reconciliation marker.
func (r *Repository) ClearDirty(name string) error {
	err := os.Remove(r.dirtyPath(model.NormalizeName(name)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear dirty marker: %w", err)
	}
	return nil
}

// DirtyPackages walks the tree and returns the package names carrying a
// reconciliation marker.
func (r *Repository) DirtyPackages() ([]string, error) {
	var out []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dirty") {
			return nil
		}
		out = append(out, strings.TrimSuffix(d.Name(), ".dirty"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk index tree: %w", err)
	}
	return out, nil
}

// Sequence returns the monotonic sequence number tracked for downstream
// mirrors.
func (r *Repository) Sequence() (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(r.root, "sequence"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sequence file: %w", err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence file: %w", err)
	}
	return seq, nil
}

func (r *Repository) bumpSequence() error {
	r.seq.Lock("sequence")
	defer r.seq.Unlock("sequence")

	seq, err := r.Sequence()
	if err != nil {
		return err
	}
	path := filepath.Join(r.root, "sequence")
	tmp, err := os.CreateTemp(r.root, ".sequence.*")
	if err != nil {
		return fmt.Errorf("failed to create temp sequence file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := fmt.Fprintf(tmp, "%d\n", seq+1); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sequence file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp sequence file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace sequence file: %w", err)
	}
	return nil
}
