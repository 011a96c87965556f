package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/lherron/bibupload/internal/domain"
)

// Fetched is a declared source available as a local file.
type Fetched struct {
	Path     string
	Size     int64
	Checksum string // sha256 hex

	temp bool
}

// Close removes the local copy of a downloaded source.
func (f *Fetched) Close() error {
	if f == nil || !f.temp {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", f.Path, err)
	}
	return nil
}

// Source makes declared attachment bytes available locally.
type Source interface {
	Fetch(ctx context.Context, src string) (*Fetched, error)
}

// Fetcher reads local paths in place and downloads http(s) URLs to a
// temporary file. Each call is a single attempt.
type Fetcher struct {
	Client *http.Client
	TmpDir string // "" means os.TempDir()
	MaxMB  int64  // 0 = unlimited
}

// NewFetcher creates a Fetcher whose downloads time out after timeout.
func NewFetcher(timeout time.Duration, maxMB int64) *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: timeout}, MaxMB: maxMB}
}

// Fetch implements Source. Every failure is an AttachmentFetchFailed error.
func (f *Fetcher) Fetch(ctx context.Context, src string) (*Fetched, error) {
	u, err := url.Parse(src)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.download(ctx, src, u)
	}
	p := src
	if err == nil && u.Scheme == "file" {
		p = u.Path
	}
	return f.local(p)
}

func (f *Fetcher) local(p string) (*Fetched, error) {
	fh, err := os.Open(p)
	if err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "open %s", p)
	}
	defer fh.Close()

	size, sum, err := hashCopy(io.Discard, fh)
	if err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "read %s", p)
	}
	if err := ValidateSize(size, f.MaxMB); err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "%s", p)
	}
	return &Fetched{Path: p, Size: size, Checksum: sum}, nil
}

func (f *Fetcher) download(ctx context.Context, src string, u *url.URL) (*Fetched, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "request %s", src)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "download %s", src)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.Errorf(domain.KindAttachmentFetchFailed, "download %s: HTTP %d", src, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(f.TmpDir, "bibupload-*"+path.Ext(u.Path))
	if err != nil {
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "temp file for %s", src)
	}
	fetched := &Fetched{Path: tmp.Name(), temp: true}

	var body io.Reader = resp.Body
	if f.MaxMB > 0 {
		// One byte past the limit is enough to reject it.
		body = io.LimitReader(resp.Body, f.MaxMB*1024*1024+1)
	}
	fetched.Size, fetched.Checksum, err = hashCopy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ValidateSize(fetched.Size, f.MaxMB)
	}
	if err != nil {
		_ = fetched.Close()
		return nil, domain.Wrap(domain.KindAttachmentFetchFailed, err, "download %s", src)
	}
	return fetched, nil
}

// hashCopy copies r to w and returns the byte count and sha256 checksum.
func hashCopy(w io.Writer, r io.Reader) (int64, string, error) {
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hasher), r)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// ValidateSize checks if file size is within limits.
func ValidateSize(size int64, maxMB int64) error {
	if maxMB <= 0 {
		return nil // No limit
	}

	maxBytes := maxMB * 1024 * 1024
	if size > maxBytes {
		return fmt.Errorf("attachment size %d bytes exceeds limit of %d MB", size, maxMB)
	}

	return nil
}
