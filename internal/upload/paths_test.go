package upload

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "wsupload/pkg/errors"
)

func TestResolveDestination(t *testing.T) {
	base := t.TempDir()

	dest, err := ResolveDestination(base, "x.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "x.bin"), dest)

	dest, err = ResolveDestination(base, "..hidden")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "..hidden"), dest)
}

func TestResolveDestination_Rejects(t *testing.T) {
	base := t.TempDir()

	for _, name := range []string{
		"",
		".",
		"..",
		"../etc/passwd",
		"sub/dir.bin",
		"/abs.bin",
		`..\win.bin`,
		"nul\x00byte",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveDestination(base, name)
			require.Error(t, err)
			assert.True(t, errors.Is(err, uerrors.ErrInvalidPath))
		})
	}
}

func TestPathGuard(t *testing.T) {
	g := NewPathGuard()

	require.NoError(t, g.Acquire("/tmp/a"))
	err := g.Acquire("/tmp/a")
	assert.True(t, errors.Is(err, uerrors.ErrPathInUse))
	require.NoError(t, g.Acquire("/tmp/b"))
	assert.Equal(t, 2, g.Held())

	g.Release("/tmp/a")
	g.Release("/tmp/never")
	require.NoError(t, g.Acquire("/tmp/a"))
}

func TestPathGuard_ConcurrentAcquireSingleWinner(t *testing.T) {
	g := NewPathGuard()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire("/tmp/contended") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
