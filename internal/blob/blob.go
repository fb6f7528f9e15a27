// Package blob is the byte-storage collaborator used by the import/export
// jobs. Jobs hand it opaque keys and payloads; it hands back URLs that the
// HTTP layer can serve (or that point at remote locations).
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotFound = errors.New("blob: not found")

// maxFetchBytes bounds how much of a payload Get will read, local or remote.
const maxFetchBytes = 64 << 20

// Store is the narrow byte-storage contract.
//
// Put never overwrites: if key is taken, the driver picks a derived free key
// and the returned URL reflects the key actually used.
//
// Get accepts either a URL previously returned by Put (possibly relative) or
// an absolute http(s) URL, and transparently dispatches between a local read
// and a bounded-timeout remote fetch.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (url string, err error)
	Get(ctx context.Context, pathOrURL string) ([]byte, error)
}

// Config configures the filesystem driver.
type Config struct {
	// Dir is the root directory for stored objects.
	Dir string
	// URLPrefix is prepended to keys in returned URLs (default "/media").
	URLPrefix string
	// FetchTimeout bounds remote http(s) fetches (default 30s).
	FetchTimeout time.Duration
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fetchRemote(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob: fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}
