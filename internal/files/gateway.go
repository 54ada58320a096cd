// Package files exposes each panel's private file tree with every path
// confined to the panel root.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/paneld/paneld/internal/errkind"
	"github.com/paneld/paneld/internal/metrics"
	"github.com/paneld/paneld/internal/naming"
)

// DefaultMaxFileSize caps a single write.
const DefaultMaxFileSize = 5 << 20

// excluded directories never appear in listings.
var excluded = map[string]bool{
	"node_modules": true,
	".git":         true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".npm":         true,
	".cache":       true,
}

// Kind of a file entry.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Entry describes one node of a panel's file tree. Content is fetched
// separately with Read.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"type"`
	Size *int64 `json:"size,omitempty"`
}

// SyncFile is one element of a batched write.
type SyncFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SyncResult reports the outcome for one SyncFile.
type SyncResult struct {
	Path     string `json:"path"`
	OK       bool   `json:"success"`
	Rejected bool   `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Gateway resolves panel-relative paths under base/<panelID>.
type Gateway struct {
	base        string
	maxFileSize int64
	log         *zap.Logger
}

func NewGateway(base string, maxFileSize int64, logger *zap.Logger) *Gateway {
	// Resolve symlinks in base so containment checks compare real paths.
	absBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		absBase, _ = filepath.Abs(base)
	}
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Gateway{base: absBase, maxFileSize: maxFileSize, log: logger}
}

// Root returns the host directory of a panel. The panel ID must already be
// validated.
func (g *Gateway) Root(panelID string) string {
	return filepath.Join(g.base, panelID)
}

// EnsureRoot creates the panel root if needed.
func (g *Gateway) EnsureRoot(panelID string) (string, error) {
	if err := naming.Validate(panelID); err != nil {
		return "", err
	}
	root := g.Root(panelID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create panel root: %w", err)
	}
	return root, nil
}

// RemoveRoot deletes the panel root and everything below it. A missing root is
// not an error.
func (g *Gateway) RemoveRoot(panelID string) error {
	if err := naming.Validate(panelID); err != nil {
		return err
	}
	if err := os.RemoveAll(g.Root(panelID)); err != nil {
		return fmt.Errorf("remove panel root: %w", err)
	}
	return nil
}

// resolve maps a panel-relative path to a host path inside the panel root.
func (g *Gateway) resolve(panelID, rel string) (string, string, error) {
	if err := naming.Validate(panelID); err != nil {
		return "", "", err
	}
	root := g.Root(panelID)
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = realRoot
	}

	p := strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", "", g.reject(panelID, rel, "parent directory reference")
		}
	}
	if strings.HasPrefix(p, "~") {
		return "", "", g.reject(panelID, rel, "home directory reference")
	}
	if strings.HasPrefix(p, "/") && strings.Trim(p, "/") != "" {
		// Absolute paths are only accepted when they already point inside the root.
		cleaned := filepath.Clean(p)
		if !isPathWithin(cleaned, root) && !isPathWithin(cleaned, g.Root(panelID)) {
			return "", "", g.reject(panelID, rel, "absolute path outside panel root")
		}
		r, _ := filepath.Rel(g.Root(panelID), cleaned)
		if strings.HasPrefix(r, "..") {
			r, _ = filepath.Rel(root, cleaned)
		}
		p = r
	}

	cleaned := strings.TrimPrefix(filepath.Clean("/"+p), "/")
	full := filepath.Join(root, cleaned)

	// Resolve symlinks so a link inside the tree cannot point outside it.
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", "", err
		}
		// Walk up to the deepest resolvable ancestor and check that instead.
		// A symlink met on the way is dangling; following it on write could
		// land anywhere.
		for existing := full; isPathWithin(existing, root); existing = filepath.Dir(existing) {
			r, perr := filepath.EvalSymlinks(existing)
			if perr == nil {
				if !isPathWithin(r, root) {
					return "", "", g.reject(panelID, rel, "symlink escapes panel root")
				}
				rest, _ := filepath.Rel(existing, full)
				return filepath.Join(r, rest), cleaned, nil
			}
			if !os.IsNotExist(perr) {
				return "", "", perr
			}
			if fi, lerr := os.Lstat(existing); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
				return "", "", g.reject(panelID, rel, "dangling symlink")
			}
		}
		return full, cleaned, nil
	}
	if !isPathWithin(resolved, root) {
		return "", "", g.reject(panelID, rel, "symlink escapes panel root")
	}
	return resolved, cleaned, nil
}

func (g *Gateway) reject(panelID, rel, reason string) error {
	metrics.PathsRejected.Inc()
	g.log.Warn("path rejected", zap.String("panel_id", panelID), zap.String("path", rel), zap.String("reason", reason))
	return errkind.Errorf(errkind.Rejected, "path %q: %s", rel, reason)
}

// isPathWithin checks if path is equal to or inside root. A plain prefix test
// would accept /panels/p1-evil as inside /panels/p1.
func isPathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// List returns the entries of a directory, or of the whole subtree when
// recursive is set. Dependency and metadata directories are skipped.
func (g *Gateway) List(panelID, rel string, recursive bool) ([]Entry, error) {
	resolved, cleaned, err := g.resolve(panelID, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Errorf(errkind.NotFound, "directory %q", rel)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, errkind.Errorf(errkind.Invalid, "%q is not a directory", rel)
	}

	result := make([]Entry, 0)
	if !recursive {
		dirEntries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, err
		}
		for _, de := range dirEntries {
			if de.IsDir() && excluded[de.Name()] {
				continue
			}
			e, err := entryFor(de, filepath.ToSlash(filepath.Join(cleaned, de.Name())))
			if err != nil {
				continue
			}
			result = append(result, e)
		}
		return result, nil
	}

	err = filepath.WalkDir(resolved, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if walkPath == resolved {
			return nil
		}
		if d.IsDir() && excluded[d.Name()] {
			return filepath.SkipDir
		}
		relPath, _ := filepath.Rel(resolved, walkPath)
		e, err := entryFor(d, filepath.ToSlash(filepath.Join(cleaned, relPath)))
		if err != nil {
			return nil
		}
		result = append(result, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

func entryFor(d fs.DirEntry, relPath string) (Entry, error) {
	e := Entry{Name: d.Name(), Path: relPath, Kind: KindFile}
	if d.IsDir() {
		e.Kind = KindDirectory
		return e, nil
	}
	info, err := d.Info()
	if err != nil {
		return Entry{}, err
	}
	size := info.Size()
	e.Size = &size
	return e, nil
}

// Read returns the content of a file.
func (g *Gateway) Read(panelID, rel string) ([]byte, error) {
	resolved, _, err := g.resolve(panelID, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Errorf(errkind.NotFound, "file %q", rel)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, errkind.Errorf(errkind.Invalid, "%q is a directory", rel)
	}
	if info.Size() > g.maxFileSize {
		return nil, errkind.Errorf(errkind.Rejected, "%q exceeds %d bytes", rel, g.maxFileSize)
	}
	return os.ReadFile(resolved)
}

// Write creates or overwrites a file, creating parent directories as needed.
func (g *Gateway) Write(panelID, rel string, content []byte) error {
	if int64(len(content)) > g.maxFileSize {
		return errkind.Errorf(errkind.Rejected, "%q exceeds %d bytes", rel, g.maxFileSize)
	}
	if _, err := g.EnsureRoot(panelID); err != nil {
		return err
	}
	resolved, cleaned, err := g.resolve(panelID, rel)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return errkind.Errorf(errkind.Invalid, "path is required")
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return errkind.Errorf(errkind.Invalid, "%q is a directory", rel)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	// A link planted between resolve and open must not be followed.
	f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_NOFOLLOW, 0o644)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return g.reject(panelID, rel, "symlink escapes panel root")
		}
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes a file or a directory tree. The panel root itself cannot be
// deleted through this call.
func (g *Gateway) Delete(panelID, rel string) error {
	resolved, cleaned, err := g.resolve(panelID, rel)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return errkind.Errorf(errkind.Rejected, "cannot delete panel root")
	}
	if _, err := os.Lstat(resolved); err != nil {
		if os.IsNotExist(err) {
			return errkind.Errorf(errkind.NotFound, "%q", rel)
		}
		return err
	}
	return os.RemoveAll(resolved)
}

// Mkdir creates a directory and any missing parents.
func (g *Gateway) Mkdir(panelID, rel string) error {
	if _, err := g.EnsureRoot(panelID); err != nil {
		return err
	}
	resolved, _, err := g.resolve(panelID, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return errkind.Errorf(errkind.Invalid, "mkdir %q: %v", rel, pathErr.Err)
		}
		return err
	}
	return nil
}

// Sync writes every file independently. A failure for one file does not stop
// the others; each result says what happened.
func (g *Gateway) Sync(panelID string, batch []SyncFile) []SyncResult {
	results := make([]SyncResult, 0, len(batch))
	for _, f := range batch {
		r := SyncResult{Path: f.Path}
		if err := g.Write(panelID, f.Path, []byte(f.Content)); err != nil {
			r.Error = err.Error()
			r.Rejected = errors.Is(err, errkind.Rejected)
		} else {
			r.OK = true
		}
		results = append(results, r)
	}
	return results
}
