// Package localfs adapts a local directory tree to the remote file
// source interface. It exists for development and testing: pagination is
// synthesized over a deterministic sorted walk, so continuation tokens
// behave like a real remote listing API's.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/skymirror/drivescan/errors"
	"github.com/skymirror/drivescan/scan"
)

// MaxHashSize caps content hashing; larger files get no hash and fall
// back to fuzzy duplicate matching.
const MaxHashSize = 64 << 20 // 64 MiB

// Source serves scan pages from a directory tree
type Source struct {
	root   string
	logger *zap.SugaredLogger
}

// New creates a source rooted at dir
func New(dir string, logger *zap.SugaredLogger) (*Source, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve source root %q", dir)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "source root %q not accessible", abs)
	}
	if !info.IsDir() {
		return nil, errors.Newf("source root %q is not a directory", abs)
	}
	return &Source{root: abs, logger: logger}, nil
}

// List returns one page of file records in sorted walk order. The
// continuation token is the relative path of the last record returned;
// the next page starts strictly after it. Tokens stay valid across
// process restarts because the walk order is stable.
func (s *Source) List(ctx context.Context, continuationToken string, pageSize int, filters scan.ListFilters) (*scan.Page, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	paths, err := s.enumerate(ctx, filters)
	if err != nil {
		return nil, err
	}

	start := 0
	if continuationToken != "" {
		// Resume strictly after the token. A token past every current
		// path just yields an empty final page.
		start = sort.SearchStrings(paths, continuationToken)
		if start < len(paths) && paths[start] == continuationToken {
			start++
		}
	}

	end := start + pageSize
	if end > len(paths) {
		end = len(paths)
	}

	page := &scan.Page{}
	for _, rel := range paths[start:end] {
		rec, err := s.record(rel)
		if err != nil {
			// File vanished between enumeration and stat; skip it, the
			// deletion sweep reconciles the index.
			s.logger.Debugw("Skipping unreadable file", "path", rel, "error", err)
			continue
		}
		page.Records = append(page.Records, rec)
	}
	if end < len(paths) && end > start {
		page.NextToken = paths[end-1]
	}

	return page, nil
}

// enumerate walks the tree and returns sorted relative file paths after
// applying the listing filters.
func (s *Source) enumerate(ctx context.Context, filters scan.ListFilters) ([]string, error) {
	walkRoot := s.root
	if filters.RootScopeID != "" {
		walkRoot = filepath.Join(s.root, filepath.FromSlash(filters.RootScopeID))
		// A bare prefix check is not enough: /data would admit
		// /data-secrets. The resolved path must be the root itself or
		// strictly below it.
		rel, relErr := filepath.Rel(s.root, walkRoot)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return nil, errors.Newf("root scope %q escapes the source root", filters.RootScopeID)
		}
	}

	var paths []string
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// Unreadable subtree: log and keep walking the rest.
			s.logger.Debugw("Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		hidden := strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if path == walkRoot {
				return nil
			}
			if hidden && !filters.IncludeTrashed {
				return filepath.SkipDir
			}
			if filters.MaxDepth > 0 && depth(rel) >= filters.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if hidden && !filters.IncludeTrashed {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "failed to enumerate source tree")
	}

	sort.Strings(paths)
	return paths, nil
}

// record builds a file record for one relative path
func (s *Source) record(rel string) (scan.FileRecord, error) {
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return scan.FileRecord{}, errors.Wrap(err, "failed to stat file")
	}

	rec := scan.FileRecord{
		ID:           rel,
		Name:         info.Name(),
		MimeType:     mimeType(rel),
		Size:         info.Size(),
		ModifiedTime: info.ModTime().UTC(),
	}
	if parent := filepath.ToSlash(filepath.Dir(rel)); parent != "." {
		rec.ParentIDs = []string{parent}
	}

	if info.Size() > 0 && info.Size() <= MaxHashSize {
		if hash, err := hashFile(full); err == nil {
			rec.ContentHash = hash
		} else {
			s.logger.Debugw("Failed to hash file", "path", rel, "error", err)
		}
	}

	return rec, nil
}

func mimeType(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return "application/octet-stream"
	}
	// Strip charset parameters so equal types compare equal.
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func depth(rel string) int {
	return strings.Count(rel, "/") + 1
}
