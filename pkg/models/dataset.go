package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SourceTypeHTTP        = "http"
	SourceTypeHuggingFace = "huggingface"
)

const (
	FormatRosbag  = "rosbag"
	FormatHDF5    = "hdf5"
	FormatParquet = "parquet"
	FormatCustom  = "custom"
	FormatLeRobot = "lerobot"
	FormatRLDS    = "rlds"
)

var validFormats = map[string]bool{
	FormatRosbag:  true,
	FormatHDF5:    true,
	FormatParquet: true,
	FormatCustom:  true,
	FormatLeRobot: true,
	FormatRLDS:    true,
}

// IsFormat reports whether f is a known dataset format.
func IsFormat(f string) bool {
	return validFormats[f]
}

// DatasetSource describes where a dataset lives. Type selects which of the
// remaining fields are meaningful.
type DatasetSource struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	RepoID   string `json:"repo_id,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// Dataset is a reference to a remotely hosted robotics dataset.
type Dataset struct {
	ID         uuid.UUID      `db:"id"               json:"id"`
	Source     DatasetSource  `db:"source"           json:"source"`
	FormatType string         `db:"format_type"      json:"format_type"`
	Metadata   map[string]any `db:"dataset_metadata" json:"dataset_metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"       json:"updated_at"`
}

// HubRevision returns the source revision, defaulting to "main".
func (d *Dataset) HubRevision() string {
	if d.Source.Revision == "" {
		return "main"
	}
	return d.Source.Revision
}

var ErrInvalidDataset = errors.New("invalid dataset")

var (
	repoIDRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]+(/[A-Za-z0-9_.-]+)?$`)
	revisionRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+(/[A-Za-z0-9_.-]+)*$`)
)

// ValidRepoID reports whether id is a hub repo id of the form "name" or
// "owner/name". Dot-only segments are rejected since ids become cache paths.
func ValidRepoID(id string) error {
	if !repoIDRe.MatchString(id) || hasDotSegment(id) {
		return fmt.Errorf("invalid repo_id %q", id)
	}
	return nil
}

// ValidRevision reports whether rev is a usable branch, tag or commit name.
func ValidRevision(rev string) error {
	if !revisionRe.MatchString(rev) || hasDotSegment(rev) {
		return fmt.Errorf("invalid revision %q", rev)
	}
	return nil
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Validate checks that the source names a known type carrying the fields that
// type needs, and that the format is known.
func (d *Dataset) Validate() error {
	switch d.Source.Type {
	case SourceTypeHuggingFace:
		if strings.TrimSpace(d.Source.RepoID) == "" {
			return fmt.Errorf("%w: source.repo_id is required for huggingface sources", ErrInvalidDataset)
		}
		if ValidRepoID(d.Source.RepoID) != nil {
			return fmt.Errorf("%w: source.repo_id %q must be \"name\" or \"owner/name\"", ErrInvalidDataset, d.Source.RepoID)
		}
		if d.Source.Revision != "" && ValidRevision(d.Source.Revision) != nil {
			return fmt.Errorf("%w: source.revision %q is not a valid branch, tag or commit", ErrInvalidDataset, d.Source.Revision)
		}
	case SourceTypeHTTP:
		if !strings.HasPrefix(d.Source.URL, "http://") && !strings.HasPrefix(d.Source.URL, "https://") {
			return fmt.Errorf("%w: source.url must be an http(s) URL", ErrInvalidDataset)
		}
	default:
		return fmt.Errorf("%w: source.type must be one of http, huggingface; got %q", ErrInvalidDataset, d.Source.Type)
	}
	if !IsFormat(d.FormatType) {
		return fmt.Errorf("%w: unknown format_type %q", ErrInvalidDataset, d.FormatType)
	}
	return nil
}
