// Package artifact lays out job output files on disk and builds the URLs the
// API serves them under.
package artifact

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("invalid artifact file name")

// Store resolves artifact locations under a root directory.
type Store struct {
	root    string
	baseURL string
}

// New returns a Store rooted at dir. baseURL is the externally reachable API address.
func New(dir, baseURL string) *Store {
	return &Store{root: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// JobDir returns the directory holding the artifacts of one job.
func (s *Store) JobDir(datasetID, jobID uuid.UUID) string {
	return filepath.Join(s.root, "dataset_"+datasetID.String(), jobID.String())
}

// Create makes the job directory and opens a new file name in it for writing.
func (s *Store) Create(datasetID, jobID uuid.UUID, name string) (*os.File, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	dir := s.JobDir(datasetID, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// Path returns the location of name for the job. The file may not exist.
func (s *Store) Path(datasetID, jobID uuid.UUID, name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.JobDir(datasetID, jobID), name), nil
}

// URL returns the API address that serves name for the job.
func (s *Store) URL(datasetID, jobID uuid.UUID, name string) string {
	return fmt.Sprintf("%s/api/v1/datasets/%s/artifacts/%s/%s",
		s.baseURL, datasetID, jobID, url.PathEscape(name))
}

// ValidName accepts bare file names only.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
