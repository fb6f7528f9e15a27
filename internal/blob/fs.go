package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// fsStore keeps objects as plain files under a root directory and returns
// URLs of the form "<prefix>/<key>". The HTTP layer serves the same root, so
// the URLs resolve for download links.
type fsStore struct {
	dir    string
	prefix string
	client *http.Client
}

func NewFS(cfg Config) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("blob dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(cfg.URLPrefix)
	if prefix == "" {
		prefix = "/media"
	}
	prefix = "/" + strings.Trim(prefix, "/")

	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &fsStore{
		dir:    dir,
		prefix: prefix,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Dir returns the storage root (used by the HTTP layer to mount a file server).
func Dir(s Store) string {
	if fs, ok := s.(*fsStore); ok {
		return fs.dir
	}
	return ""
}

func (s *fsStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := s.cleanKey(key)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}

	// Never overwrite an existing object: derive a free key instead.
	finalKey := key
	for i := 1; ; i++ {
		if _, err := os.Stat(full); errors.Is(err, os.ErrNotExist) {
			break
		}
		ext := path.Ext(key)
		finalKey = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(key, ext), i, ext)
		full = filepath.Join(s.dir, filepath.FromSlash(finalKey))
	}

	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return s.prefix + "/" + finalKey, nil
}

func (s *fsStore) Get(ctx context.Context, pathOrURL string) ([]byte, error) {
	p := strings.TrimSpace(pathOrURL)
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if isHTTP(p) {
		return fetchRemote(ctx, s.client, p)
	}

	// Accept both bare keys and URLs we handed out earlier.
	p = strings.TrimPrefix(p, s.prefix+"/")
	key, err := s.cleanKey(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if len(b) > maxFetchBytes {
		return nil, fmt.Errorf("blob: %s exceeds size limit", key)
	}
	return b, nil
}

// cleanKey normalizes a key and rejects anything escaping the storage root.
func (s *fsStore) cleanKey(key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("blob key is required")
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	return clean, nil
}
