package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robokit/robokit/internal/cache"
	"github.com/robokit/robokit/internal/metrics"
	"github.com/robokit/robokit/pkg/models"
)

// Sentinel errors for dataset hub failures. Wrapped errors name the repo and path.
var (
	ErrNotFound    = errors.New("hub: not found")
	ErrForbidden   = errors.New("hub: access forbidden")
	ErrRateLimited = errors.New("hub: rate limited")
	ErrUnreachable = errors.New("hub: unreachable")
	ErrTimeout     = errors.New("hub: request timeout")
	ErrBadResponse = errors.New("hub: unexpected response")
	ErrInvalidPath = errors.New("hub: invalid path")
)

const listingTTL = 10 * time.Minute

// Client fetches files from a dataset hub.
type Client interface {
	// Download returns the local path of path in repoID at revision, fetching it if needed.
	Download(ctx context.Context, repoID, revision, path string) (string, error)
	// ListFiles returns every file path in the repo revision, sorted.
	ListFiles(ctx context.Context, repoID, revision string) ([]string, error)
}

// Options configures an HTTPClient.
type Options struct {
	Endpoint  string
	Token     string
	CacheDir  string
	LocalOnly bool
	Timeout   time.Duration
	// Cache, when set, holds file listings across jobs.
	Cache cache.Cache
}

// HTTPClient implements Client against the Hugging Face Hub HTTP API.
type HTTPClient struct {
	endpoint  string
	token     string
	cacheDir  string
	localOnly bool
	cache     cache.Cache
	client    *http.Client
}

// NewHTTPClient creates a new hub client.
func NewHTTPClient(opts Options) *HTTPClient {
	return &HTTPClient{
		endpoint:  strings.TrimRight(opts.Endpoint, "/"),
		token:     opts.Token,
		cacheDir:  opts.CacheDir,
		localOnly: opts.LocalOnly,
		cache:     opts.Cache,
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

func (c *HTTPClient) Download(ctx context.Context, repoID, revision, filePath string) (string, error) {
	local, err := c.resolveLocal(repoID, revision, filePath)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(local); err == nil {
		metrics.IncHubRequest("download", "hit")
		return local, nil
	}
	if c.localOnly {
		return "", fmt.Errorf("%w: %s (repo %s@%s, local cache only)", ErrNotFound, filePath, repoID, revision)
	}

	u := fmt.Sprintf("%s/datasets/%s/resolve/%s/%s",
		c.endpoint, escapePath(repoID), url.PathEscape(revision), escapePath(filePath))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		metrics.IncHubRequest("download", "error")
		return "", classifyError(err, repoID, revision, filePath)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.IncHubRequest("download", "error")
		return "", statusError(resp.StatusCode, repoID, revision, filePath)
	}

	if err := writeAtomic(local, resp.Body); err != nil {
		metrics.IncHubRequest("download", "error")
		return "", fmt.Errorf("saving %s from %s@%s: %w", filePath, repoID, revision, err)
	}
	metrics.IncHubRequest("download", "ok")
	return local, nil
}

func (c *HTTPClient) ListFiles(ctx context.Context, repoID, revision string) ([]string, error) {
	if err := validRepo(repoID, revision); err != nil {
		return nil, err
	}
	if c.localOnly {
		return c.listLocal(repoID, revision)
	}

	key := cache.HubFilesKey(repoID, revision)
	if c.cache != nil {
		var files []string
		if found, err := cache.GetJSON(ctx, c.cache, key, &files); err == nil && found {
			metrics.IncHubRequest("list", "hit")
			return files, nil
		}
	}

	next := fmt.Sprintf("%s/api/datasets/%s/tree/%s?recursive=true",
		c.endpoint, escapePath(repoID), url.PathEscape(revision))
	var files []string
	for next != "" {
		page, link, err := c.listPage(ctx, next, repoID, revision)
		if err != nil {
			metrics.IncHubRequest("list", "error")
			return nil, err
		}
		files = append(files, page...)
		next = link
	}
	sort.Strings(files)
	metrics.IncHubRequest("list", "ok")

	if c.cache != nil {
		_ = cache.SetJSON(ctx, c.cache, key, files, listingTTL)
	}
	return files, nil
}

func (c *HTTPClient) listPage(ctx context.Context, u, repoID, revision string) ([]string, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", classifyError(err, repoID, revision, "")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError(resp.StatusCode, repoID, revision, "")
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, "", fmt.Errorf("%w: decoding file listing for %s@%s: %v", ErrBadResponse, repoID, revision, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == "file" {
			files = append(files, e.Path)
		}
	}
	return files, nextLink(resp.Header.Get("Link")), nil
}

// listLocal walks the on-disk cache for a repo revision.
func (c *HTTPClient) listLocal(repoID, revision string) ([]string, error) {
	root, err := c.resolveLocal(repoID, revision, "")
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: repo %s@%s (local cache only)", ErrNotFound, repoID, revision)
	}
	if err != nil {
		return nil, fmt.Errorf("listing local cache for %s@%s: %w", repoID, revision, err)
	}
	sort.Strings(files)
	return files, nil
}

// resolveLocal validates the repo coordinates and returns the cache path for
// filePath, which must stay inside the cache directory.
func (c *HTTPClient) resolveLocal(repoID, revision, filePath string) (string, error) {
	if err := validRepo(repoID, revision); err != nil {
		return "", err
	}
	if filePath != "" {
		if err := validRepoPath(filePath); err != nil {
			return "", err
		}
	}

	root, err := filepath.Abs(filepath.Join(c.cacheDir, "datasets"))
	if err != nil {
		return "", fmt.Errorf("resolving hub cache dir: %w", err)
	}
	local, err := filepath.Abs(c.localPath(repoID, revision, filePath))
	if err != nil {
		return "", fmt.Errorf("resolving hub cache path: %w", err)
	}
	rel, err := filepath.Rel(root, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s@%s/%s escapes the cache", ErrInvalidPath, repoID, revision, filePath)
	}
	return c.localPath(repoID, revision, filePath), nil
}

func (c *HTTPClient) localPath(repoID, revision, filePath string) string {
	rev := strings.ReplaceAll(revision, "/", "--")
	return filepath.Join(c.cacheDir, "datasets", filepath.FromSlash(repoID), rev, filepath.FromSlash(filePath))
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "robokit")
}

type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" URL from an RFC 8288 Link header.
func nextLink(header string) string {
	m := linkNextRe.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func validRepo(repoID, revision string) error {
	if err := models.ValidRepoID(repoID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if err := models.ValidRevision(revision); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return nil
}

func validRepoPath(p string) error {
	if p == "" || path.IsAbs(p) || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: repo path %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: repo path %q", ErrInvalidPath, p)
		}
	}
	return nil
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// writeAtomic streams r into a temp file next to dst and renames it into place.
func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func describe(repoID, revision, filePath string) string {
	if filePath == "" {
		return fmt.Sprintf("repo %s@%s", repoID, revision)
	}
	return fmt.Sprintf("%s (repo %s@%s)", filePath, repoID, revision)
}

// statusError maps a non-200 hub response to a sentinel error.
func statusError(code int, repoID, revision, filePath string) error {
	what := describe(repoID, revision, filePath)
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s (status %d)", ErrForbidden, what, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, what)
	default:
		return fmt.Errorf("%w: %s (status %d)", ErrBadResponse, what, code)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error, repoID, revision, filePath string) error {
	what := describe(repoID, revision, filePath)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, what, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, what, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrUnreachable, what, err)
}

// IsMissing reports whether err means the requested file does not exist.
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
