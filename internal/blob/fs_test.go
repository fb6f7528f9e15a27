package blob

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFS(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	url, err := s.Put(ctx, "exports/report.csv", []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "/media/exports/report.csv" {
		t.Fatalf("url = %q", url)
	}

	// Both the handed-out URL and the bare key resolve.
	for _, ref := range []string{url, "exports/report.csv"} {
		b, err := s.Get(ctx, ref)
		if err != nil {
			t.Fatalf("get %q: %v", ref, err)
		}
		if !bytes.Equal(b, []byte("a,b\n1,2\n")) {
			t.Fatalf("get %q = %q", ref, b)
		}
	}
}

func TestPutNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Put(ctx, "imports/data.csv", []byte("one"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := s.Put(ctx, "imports/data.csv", []byte("two"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if second != "/media/imports/data_1.csv" {
		t.Fatalf("second url = %q", second)
	}

	b, _ := s.Get(ctx, first)
	if string(b) != "one" {
		t.Fatalf("first object clobbered: %q", b)
	}
	b, _ = s.Get(ctx, second)
	if string(b) != "two" {
		t.Fatalf("second object = %q", b)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope/missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestKeyTraversalRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"../etc/passwd", "..", "a/../../b", "/abs/path/../.."} {
		if _, err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) accepted", key)
		}
	}

	// Cleanable keys are fine.
	if _, err := s.Put(ctx, "a/./b.csv", []byte("x")); err != nil {
		t.Fatalf("clean key rejected: %v", err)
	}
}

func TestGetRemote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file.csv":
			_, _ = w.Write([]byte("remote-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.Get(ctx, ts.URL+"/file.csv")
	if err != nil {
		t.Fatalf("remote get: %v", err)
	}
	if string(b) != "remote-bytes" {
		t.Fatalf("remote body = %q", b)
	}

	if _, err := s.Get(ctx, ts.URL+"/gone.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remote 404 err = %v, want ErrNotFound", err)
	}
}
