// Package artifact fronts whatever stores build inputs and outputs.
// The core only ever sees opaque references; this local-directory
// implementation exists for single-node deployments and tests.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store saves blobs and hands back opaque references.
type Store interface {
	SaveSource(r io.Reader) (ref string, err error)
	SaveResult(buildID string, r io.Reader) (ref string, err error)
	Open(ref string) (io.ReadCloser, error)
}

type localStore struct {
	root string
}

func NewLocalStore(root string) (Store, error) {
	for _, dir := range []string{"sources", "results"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}
	return &localStore{root: root}, nil
}

func (s *localStore) SaveSource(r io.Reader) (string, error) {
	name := filepath.Join("sources", uuid.NewString())
	if err := s.write(name, r); err != nil {
		return "", err
	}
	return "local://" + name, nil
}

func (s *localStore) SaveResult(buildID string, r io.Reader) (string, error) {
	name := filepath.Join("results", buildID)
	if err := s.write(name, r); err != nil {
		return "", err
	}
	return "local://" + name, nil
}

func (s *localStore) Open(ref string) (io.ReadCloser, error) {
	name, ok := strings.CutPrefix(ref, "local://")
	if !ok {
		return nil, fmt.Errorf("unsupported artifact ref %q", ref)
	}
	// Refs are opaque to callers but not to us; keep them inside root.
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid artifact ref %q", ref)
	}
	return os.Open(filepath.Join(s.root, clean))
}

func (s *localStore) write(name string, r io.Reader) error {
	path := filepath.Join(s.root, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}
