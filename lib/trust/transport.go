// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transport fetches named objects from a repository area (metadata or
// targets). Implementations must not return more than limit bytes and
// must report missing objects with an error wrapping ErrNotFound.
type Transport interface {
	Fetch(ctx context.Context, name string, limit int64) ([]byte, error)
}

// FilesystemTransport reads a repository area from a local directory.
// This is what the migrator uses at boot: the repository was synced and
// verified earlier, and migrations must run without network access.
type FilesystemTransport struct {
	Dir string
}

// Fetch reads the named file. Names are relative paths within the
// repository area; anything escaping the directory is rejected.
func (t *FilesystemTransport) Fetch(ctx context.Context, name string, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
		return nil, &FetchError{Name: name, Err: fmt.Errorf("name escapes repository directory")}
	}

	path := filepath.Join(t.Dir, cleaned)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &FetchError{Name: name, Err: ErrNotFound}
		}
		return nil, &FetchError{Name: name, Err: err}
	}
	if info.Size() > limit {
		return nil, &FetchError{Name: name, Err: fmt.Errorf("object is %d bytes, limit %d", info.Size(), limit)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	return data, nil
}

// HTTPTransport fetches a repository area over HTTP(S). Transient
// failures (network errors, 5xx responses) are retried with linear
// backoff; 4xx responses are not.
type HTTPTransport struct {
	// BaseURL is the repository area URL; object names are joined to
	// its path.
	BaseURL string

	// Client is the HTTP client to use. Its Timeout bounds each
	// attempt. If nil, a client with a 30-second timeout is used.
	Client *http.Client

	// Retries is the number of additional attempts after a retryable
	// failure. Zero means a single attempt.
	Retries int

	// Backoff is the base delay between attempts; attempt n waits
	// n*Backoff. If zero, one second.
	Backoff time.Duration
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (t *HTTPTransport) backoff() time.Duration {
	if t.Backoff > 0 {
		return t.Backoff
	}
	return time.Second
}

// Fetch performs a GET for the named object, enforcing the size limit
// while reading the body.
func (t *HTTPTransport) Fetch(ctx context.Context, name string, limit int64) ([]byte, error) {
	target, err := url.JoinPath(t.BaseURL, name)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= t.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &FetchError{Name: name, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * t.backoff()):
			}
		}

		data, err := t.fetchOnce(ctx, name, target, limit)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && !fetchErr.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *HTTPTransport) fetchOnce(ctx context.Context, name, target string, limit int64) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}

	response, err := t.client().Do(request)
	if err != nil {
		// Network-level failures are transient unless the context
		// itself is done.
		retryable := ctx.Err() == nil
		return nil, &FetchError{Name: name, Err: err, Retryable: retryable}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Name: name, Err: ErrNotFound}
	case response.StatusCode >= 500:
		return nil, &FetchError{
			Name:      name,
			Err:       fmt.Errorf("server returned %s", response.Status),
			Retryable: true,
		}
	default:
		return nil, &FetchError{Name: name, Err: fmt.Errorf("server returned %s", response.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, limit+1))
	if err != nil {
		return nil, &FetchError{Name: name, Err: err, Retryable: ctx.Err() == nil}
	}
	if int64(len(data)) > limit {
		return nil, &FetchError{Name: name, Err: fmt.Errorf("object exceeds %d byte limit", limit)}
	}
	return data, nil
}
