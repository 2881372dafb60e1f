package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	uerrors "wsupload/pkg/errors"
)

// ResolveDestination maps a client supplied file name to an absolute path
// inside baseDir. Names are single path elements; separators, NUL bytes
// and dot entries are rejected.
func ResolveDestination(baseDir, fileName string) (string, error) {
	if fileName == "" || fileName == "." || fileName == ".." {
		return "", fmt.Errorf("%w: %q", uerrors.ErrInvalidPath, fileName)
	}
	if strings.ContainsAny(fileName, "/\\") || strings.ContainsRune(fileName, 0) {
		return "", fmt.Errorf("%w: %q", uerrors.ErrInvalidPath, fileName)
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve upload directory: %w", err)
	}
	dest := filepath.Join(absBase, fileName)

	rel, err := filepath.Rel(absBase, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q escapes upload directory", uerrors.ErrInvalidPath, fileName)
	}

	return dest, nil
}

// PathGuard tracks destinations currently held open by a session. It is
// the only state shared between connections.
type PathGuard struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewPathGuard returns an empty guard.
func NewPathGuard() *PathGuard {
	return &PathGuard{paths: make(map[string]struct{})}
}

// Acquire reserves path or fails with ErrPathInUse.
func (g *PathGuard) Acquire(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.paths[path]; held {
		return fmt.Errorf("%w: %s", uerrors.ErrPathInUse, path)
	}
	g.paths[path] = struct{}{}
	return nil
}

// Release frees path. Releasing an unheld path is a no-op.
func (g *PathGuard) Release(path string) {
	g.mu.Lock()
	delete(g.paths, path)
	g.mu.Unlock()
}

// Held reports the number of reserved destinations.
func (g *PathGuard) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.paths)
}
