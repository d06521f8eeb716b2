package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"chunkpipe/internal/config"
	"chunkpipe/internal/fileutil"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

const userAgent = "chunkpipe/0.1.0"

// ChecksumHeader carries the hex SHA-256 of the uploaded body.
const ChecksumHeader = "X-Content-SHA256"

// HTTPStore PUTs artifacts to endpoint/key.
type HTTPStore struct {
	endpoint *url.URL
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTP builds an HTTP store from the blob config.
func NewHTTP(cfg config.Blob, logger *slog.Logger) (*HTTPStore, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "blob", "blob.endpoint is not set", nil)
	}
	endpoint, err := url.Parse(raw)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "blob", fmt.Sprintf("invalid blob.endpoint %q", raw), err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPStore{
		endpoint: endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "blobstore"),
	}, nil
}

// Describe implements Store.
func (s *HTTPStore) Describe() string { return s.endpoint.Redacted() }

// ObjectURL returns the URL an object with key is stored at.
func (s *HTTPStore) ObjectURL(key string) string {
	return s.endpoint.JoinPath(strings.Split(key, "/")...).String()
}

// Upload implements Store. The service may return the canonical object URL
// in a Location header; otherwise the request URL is used.
func (s *HTTPStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	sum, size, err := fileutil.HashFile(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrFilesystem, "", "blob", "hash artifact", err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", services.Wrap(services.ErrFilesystem, "", "blob", "open artifact", err)
	}
	defer f.Close()

	target := s.ObjectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "", "blob", "build request", err)
	}
	req.ContentLength = size
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(ChecksumHeader, sum)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", services.Wrap(services.ErrTransientNetwork, "", "blob", "PUT "+key, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	location := target
	if loc := strings.TrimSpace(resp.Header.Get("Location")); loc != "" {
		if parsed, err := resp.Request.URL.Parse(loc); err == nil {
			location = parsed.String()
		}
	}
	logging.WithContext(ctx, s.logger).Debug("artifact uploaded",
		logging.String("key", key),
		logging.Int64("bytes", size),
		logging.Int("status", resp.StatusCode),
	)
	return location, nil
}

var errUnexpectedStatus = errors.New("unexpected status")

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	cause := fmt.Errorf("%w %d: %s", errUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return services.Wrap(services.ErrTransientNetwork, "", "blob", "upload rejected", cause)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "", "blob", "upload not authorized", cause)
	default:
		return services.Wrap(services.ErrExternalTool, "", "blob", "upload rejected", cause)
	}
}
