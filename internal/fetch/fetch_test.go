package fetch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"openalexetl/internal/snapshot"
)

// flakyStore fails Get a configured number of times before succeeding. A
// failure can also deliver partial bytes before erroring, to exercise the
// partial-file cleanup.
type flakyStore struct {
	failures int
	partial  string
	content  string
	calls    int
}

func (s *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (s *flakyStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	s.calls++
	if s.calls <= s.failures {
		if s.partial != "" {
			return &failingReader{data: s.partial}, nil
		}
		return nil, errors.New("connection reset")
	}
	return io.NopCloser(strings.NewReader(s.content)), nil
}

// failingReader yields some bytes, then errors.
type failingReader struct {
	data string
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("stream truncated")
	}
	r.done = true
	return copy(p, r.data), nil
}

func (r *failingReader) Close() error { return nil }

func testFD() snapshot.FileDescriptor {
	return snapshot.FileDescriptor{
		Entity:     "works",
		Partition:  "updated_date=2025-05-30",
		Name:       "part_000.gz",
		RemotePath: "data/works/updated_date=2025-05-30/part_000.gz",
	}
}

func TestFetchSucceedsAfterRetries(t *testing.T) {
	store := &flakyStore{failures: 2, content: "payload"}
	var slept []time.Duration

	f := &Fetcher{
		Store:   store,
		TempDir: t.TempDir(),
		Policy:  Backoff{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2},
		sleep:   func(d time.Duration) { slept = append(slept, d) },
	}

	local, err := f.Fetch(context.Background(), testFD())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	raw, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "payload" {
		t.Fatalf("content = %q", raw)
	}

	// No pause before the first attempt; 2s before the second, 4s before the third.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
}

func TestFetchExhaustsAttempts(t *testing.T) {
	store := &flakyStore{failures: 100}
	f := &Fetcher{
		Store:   store,
		TempDir: t.TempDir(),
		Policy:  Backoff{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2},
		sleep:   func(time.Duration) {},
	}

	_, err := f.Fetch(context.Background(), testFD())
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if store.calls != 3 {
		t.Fatalf("attempts = %d, want 3", store.calls)
	}
}

func TestFetchRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	store := &flakyStore{failures: 3, partial: "half-written"}
	f := &Fetcher{
		Store:   store,
		TempDir: dir,
		Policy:  Backoff{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2},
		sleep:   func(time.Duration) {},
	}

	if _, err := f.Fetch(context.Background(), testFD()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(filepath.Join(dir, "works", "part_000.gz")); !os.IsNotExist(err) {
		t.Fatal("partial file left behind after failed fetch")
	}
}

// keyedStore serves content by remote path.
type keyedStore struct {
	objects map[string]string
}

func (s *keyedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (s *keyedStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	body, ok := s.objects[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestFetchSeparatesEntitiesWithSameFileName(t *testing.T) {
	store := &keyedStore{objects: map[string]string{
		"data/works/updated_date=2025-05-30/part_000.gz":   "works-bytes",
		"data/authors/updated_date=2025-05-30/part_000.gz": "authors-bytes",
	}}
	f := &Fetcher{Store: store, TempDir: t.TempDir(), sleep: func(time.Duration) {}}

	worksFD := testFD()
	authorsFD := snapshot.FileDescriptor{
		Entity:     "authors",
		Partition:  "updated_date=2025-05-30",
		Name:       "part_000.gz",
		RemotePath: "data/authors/updated_date=2025-05-30/part_000.gz",
	}

	worksLocal, err := f.Fetch(context.Background(), worksFD)
	if err != nil {
		t.Fatalf("Fetch works: %v", err)
	}
	authorsLocal, err := f.Fetch(context.Background(), authorsFD)
	if err != nil {
		t.Fatalf("Fetch authors: %v", err)
	}

	if worksLocal == authorsLocal {
		t.Fatalf("both entities fetched to %s", worksLocal)
	}
	raw, err := os.ReadFile(worksLocal)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "works-bytes" {
		t.Fatalf("works content = %q", raw)
	}
	raw, err = os.ReadFile(authorsLocal)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "authors-bytes" {
		t.Fatalf("authors content = %q", raw)
	}
}

func TestFetchHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &Fetcher{
		Store:   &flakyStore{content: "x"},
		TempDir: t.TempDir(),
		sleep:   func(time.Duration) {},
	}
	if _, err := f.Fetch(ctx, testFD()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 3}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, time.Second},
		{3, 3 * time.Second},
		{4, 9 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
