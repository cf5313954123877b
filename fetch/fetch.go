// Resolves a job's content_ref in to raw content bytes.
//
// A content_ref is either an inline reference ("b64:" followed by standard base64) or an http(s) URL. Inline references are what the REST intake path writes in to the job stream when a client posts content directly.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/modgate/moderation"
	"github.com/bluesky-social/modgate/util"

	"github.com/carlmjohnson/versioninfo"
)

const (
	InlinePrefix = moderation.InlineRefPrefix

	DefaultMaxSize = 32 * 1024 * 1024
)

type Fetcher struct {
	Client  *http.Client
	MaxSize int64

	logger *slog.Logger
}

// The default client refuses to connect to private or loopback addresses, since URLs come from clients.
func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		Client:  util.PublicOnlyHTTPClient(),
		MaxSize: DefaultMaxSize,
		logger:  logger.With("system", "fetch"),
	}
}

// Encodes content as an inline content_ref.
func InlineRef(content []byte) string {
	return InlinePrefix + base64.StdEncoding.EncodeToString(content)
}

// Checks that ref is well-formed, without fetching anything. Errors wrap moderation.ErrBadRequest.
func Validate(ref string) error {
	if strings.HasPrefix(ref, InlinePrefix) {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: invalid content_ref: %w", moderation.ErrBadRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: unsupported content_ref: %q", moderation.ErrBadRequest, ref)
	}
	return nil
}

func (f *Fetcher) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if raw, ok := strings.CutPrefix(ref, InlinePrefix); ok {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid inline content: %w", moderation.ErrBadRequest, err)
		}
		if int64(len(b)) > f.MaxSize {
			return nil, fmt.Errorf("%w: inline content exceeds %d bytes", moderation.ErrBadRequest, f.MaxSize)
		}
		return b, nil
	}
	if err := Validate(ref); err != nil {
		return nil, err
	}
	return f.download(ctx, ref)
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, error) {
	start := time.Now()
	defer func() {
		downloadDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, "GET", ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "modgate/"+versioninfo.Short())

	resp, err := f.Client.Do(req)
	if err != nil {
		downloadCount.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch content: %w", err)
	}
	defer resp.Body.Close()

	downloadCount.WithLabelValues(fmt.Sprint(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to fetch content statusCode=%d", moderation.ErrBadRequest, resp.StatusCode)
	}
	if resp.ContentLength > f.MaxSize {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", moderation.ErrBadRequest, resp.ContentLength, f.MaxSize)
	}

	// read one byte past the limit to detect oversized bodies without a Content-Length
	b, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(b)) > f.MaxSize {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", moderation.ErrBadRequest, f.MaxSize)
	}
	f.logger.Debug("fetched content", "url", ref, "size", len(b))
	return b, nil
}
