// Package upload implements the per-connection upload session protocol:
// sessions that buffer compressed chunks and stream them through a
// decoder into a destination file, and the registry that maps client
// identifiers to sessions on one connection.
package upload

import (
	"fmt"
	"os"

	"wsupload/internal/upload/codec"
	"wsupload/internal/upload/protocol"
	"wsupload/pkg/config"
	"wsupload/pkg/logger"
)

// Options are fixed for every session a Manager creates.
type Options struct {
	Threshold int
	Encoding  codec.Encoding
	FilePerm  os.FileMode
}

// Manager holds process-wide upload settings and the shared path guard,
// and hands out one Registry per connection.
type Manager struct {
	dir    string
	opts   Options
	guard  *PathGuard
	logger *logger.Logger
}

// NewManager validates cfg and makes sure the upload directory exists.
func NewManager(cfg config.UploadConfig, log *logger.Logger) (*Manager, error) {
	enc, err := codec.ParseEncoding(cfg.Encoding, codec.Gzip)
	if err != nil {
		return nil, err
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("invalid upload threshold: %d", cfg.Threshold)
	}

	dirPerm := cfg.DirPerm
	if dirPerm == 0 {
		dirPerm = 0755
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", cfg.Dir, err)
	}

	filePerm := cfg.FilePerm
	if filePerm == 0 {
		filePerm = 0644
	}

	m := &Manager{
		dir: cfg.Dir,
		opts: Options{
			Threshold: cfg.Threshold,
			Encoding:  enc,
			FilePerm:  filePerm,
		},
		guard:  NewPathGuard(),
		logger: log.WithField("component", "upload-manager"),
	}

	m.logger.Debug("upload manager initialized",
		"dir", cfg.Dir,
		"threshold", cfg.Threshold,
		"encoding", enc.String())

	return m, nil
}

// Dir returns the upload directory.
func (m *Manager) Dir() string { return m.dir }

// Guard returns the destination guard shared by all registries.
func (m *Manager) Guard() *PathGuard { return m.guard }

// NewRegistry returns an empty registry for one connection. log should
// already carry connection-scoped fields.
func (m *Manager) NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		dir:      m.dir,
		opts:     m.opts,
		guard:    m.guard,
		sessions: make(map[protocol.ID]*Session),
		logger:   log.WithField("component", "upload-registry"),
	}
}
