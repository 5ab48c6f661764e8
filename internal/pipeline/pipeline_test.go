package pipeline

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"openalexetl/internal/fetch"
	"openalexetl/internal/snapshot"
	"openalexetl/internal/state"
	"openalexetl/internal/transform"
	"openalexetl/internal/warehouse"
)

// ---- fakes ----

// memRepo is an in-memory warehouse honoring both conflict policies, so
// idempotence claims can be asserted end to end.
type memRepo struct {
	mu     sync.Mutex
	tables map[string]map[string][]any // table -> key -> row

	loads     int
	failLoads int // fail the first N LoadBatch calls
	pingErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{tables: map[string]map[string][]any{}}
}

func (r *memRepo) Close() {}

func (r *memRepo) Ping(ctx context.Context) error { return r.pingErr }

func (r *memRepo) LoadBatch(ctx context.Context, tables []warehouse.TableSpec, batch warehouse.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loads++
	if r.loads <= r.failLoads {
		return errors.New("deadlock victim")
	}

	for _, spec := range tables {
		rows := batch[spec.Name]
		if len(rows) == 0 {
			continue
		}
		dst := r.tables[spec.Name]
		if dst == nil {
			dst = map[string][]any{}
			r.tables[spec.Name] = dst
		}
		for _, row := range rows {
			key := encodeKey(row, spec.KeyIndices())
			if _, exists := dst[key]; exists && spec.OnConflict == warehouse.ConflictIgnore {
				continue
			}
			dst[key] = row
		}
	}
	return nil
}

func (r *memRepo) rowCount(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables[table])
}

// ids returns the sorted first-column values of a table's rows.
func (r *memRepo) ids(table string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, row := range r.tables[table] {
		if s, ok := row[0].(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (r *memRepo) row(table, key string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables[table][key]
}

// memStore is an in-memory object store with gzip NDJSON objects.
type memStore struct {
	objects map[string][]byte // full path -> gzipped bytes
}

func (s *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for path := range s.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := path[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	raw, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", path)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, l := range lines {
		if _, err := gz.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTempGz(t *testing.T, lines ...string) string {
	t.Helper()
	path := t.TempDir() + "/f.gz"
	if err := os.WriteFile(path, gzipLines(t, lines...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---- batcher ----

func testSpecs() []warehouse.TableSpec {
	return []warehouse.TableSpec{
		{
			Name:            "main",
			Columns:         []string{"id", "name"},
			ConflictColumns: []string{"id"},
			OnConflict:      warehouse.ConflictOverwrite,
		},
		{
			Name:            "facts",
			Columns:         []string{"id", "year"},
			ConflictColumns: []string{"id", "year"},
			OnConflict:      warehouse.ConflictIgnore,
		},
	}
}

func TestBatcherCollapsesOverwriteDuplicates(t *testing.T) {
	b := newBatcher(10, testSpecs())

	add := func(rs transform.RowSet) {
		t.Helper()
		if err := b.Add(rs); err != nil {
			t.Fatal(err)
		}
	}

	add(transform.RowSet{"main": {{"A", "first"}}})
	add(transform.RowSet{"main": {{"B", "other"}}})
	add(transform.RowSet{"main": {{"A", "second"}}})
	// Duplicate fact rows are left alone; the backend ignores them.
	add(transform.RowSet{"facts": {{"A", int64(2020)}, {"A", int64(2020)}}})

	batch, n := b.Drain()
	if n != 4 {
		t.Fatalf("records = %d, want 4", n)
	}

	main := batch["main"]
	if len(main) != 2 {
		t.Fatalf("main rows = %v, want collapsed to 2", main)
	}
	// The later value wins and stays at the first occurrence's position.
	if main[0][1] != "second" || main[1][1] != "other" {
		t.Fatalf("main rows = %v", main)
	}

	if len(batch["facts"]) != 2 {
		t.Fatalf("facts rows = %v", batch["facts"])
	}
}

func TestBatcherThreshold(t *testing.T) {
	b := newBatcher(3, testSpecs())

	for i := 0; i < 2; i++ {
		if err := b.Add(transform.RowSet{"main": {{fmt.Sprintf("id%d", i), "x"}}}); err != nil {
			t.Fatal(err)
		}
		if b.Full() {
			t.Fatalf("full after %d rows, threshold 3", i+1)
		}
	}
	if err := b.Add(transform.RowSet{"main": {{"id2", "x"}}}); err != nil {
		t.Fatal(err)
	}
	if !b.Full() {
		t.Fatal("not full at threshold")
	}

	b.Drain()
	if b.Full() || !b.Empty() {
		t.Fatal("drain did not reset")
	}
}

func TestBatcherRejectsUndeclaredTable(t *testing.T) {
	b := newBatcher(10, testSpecs())
	if err := b.Add(transform.RowSet{"mystery": {{"A"}}}); err == nil {
		t.Fatal("expected error for undeclared table")
	}
	if err := b.Add(transform.RowSet{"main": {{"A", "x", "extra"}}}); err == nil {
		t.Fatal("expected error for wrong row width")
	}
}

// ---- processor ----

func domainLine(id, name string) string {
	return fmt.Sprintf(`{"id": %q, "display_name": %q}`, id, name)
}

func TestProcessFileLoadsRecords(t *testing.T) {
	repo := newMemRepo()
	p := &Processor{Repo: repo, BatchSize: 2, MaxErrors: 0}

	path := writeTempGz(t,
		domainLine("D1", "Physics"),
		domainLine("D2", "Biology"),
		domainLine("D3", "Chemistry"),
		"", // blank lines are ignored
	)

	res, err := p.ProcessFile(context.Background(), "domains", path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if res.Records != 3 || res.Skipped != 0 || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}
	if repo.rowCount("openalex.domains") != 3 {
		t.Fatalf("loaded rows = %d", repo.rowCount("openalex.domains"))
	}
	// Batch size 2 over 3 records: two flushes.
	if repo.loads != 2 {
		t.Fatalf("loads = %d, want 2", repo.loads)
	}
}

func TestProcessFileToleratesErrorsWithinBudget(t *testing.T) {
	repo := newMemRepo()
	p := &Processor{Repo: repo, BatchSize: 100, MaxErrors: 2}

	path := writeTempGz(t,
		domainLine("D1", "Physics"),
		"{malformed",
		`{"display_name": "no id"}`,
		domainLine("D2", "Biology"),
	)

	res, err := p.ProcessFile(context.Background(), "domains", path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if res.Records != 2 || res.Errors != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessFileHaltsOverBudget(t *testing.T) {
	repo := newMemRepo()
	p := &Processor{Repo: repo, BatchSize: 100, MaxErrors: 1}

	path := writeTempGz(t,
		"{malformed",
		"{also malformed",
		domainLine("D1", "Physics"),
	)

	_, err := p.ProcessFile(context.Background(), "domains", path)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestProcessFileSkipsDoNotCountAgainstBudget(t *testing.T) {
	repo := newMemRepo()
	p := &Processor{Repo: repo, BatchSize: 100, MaxErrors: 0}

	path := writeTempGz(t,
		`{"id": "D1", "deleted": true}`,
		`{"id": "D2", "merge_into_id": "D1"}`,
		domainLine("D3", "Biology"),
	)

	res, err := p.ProcessFile(context.Background(), "domains", path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if res.Skipped != 2 || res.Records != 1 || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProcessFileFlushFailureChargesBudgetAndContinues(t *testing.T) {
	repo := newMemRepo()
	repo.failLoads = 1
	p := &Processor{Repo: repo, BatchSize: 2, MaxErrors: 2}

	path := writeTempGz(t,
		domainLine("D1", "Physics"),
		domainLine("D2", "Biology"),
		domainLine("D3", "Chemistry"),
		domainLine("D4", "Geology"),
	)

	res, err := p.ProcessFile(context.Background(), "domains", path)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	// First batch of 2 failed and was charged to the budget; second landed.
	if res.Errors != 2 || res.Records != 2 {
		t.Fatalf("result = %+v", res)
	}
	if repo.rowCount("openalex.domains") != 2 {
		t.Fatalf("loaded rows = %d", repo.rowCount("openalex.domains"))
	}
}

func TestProcessFileFlushFailureOverBudget(t *testing.T) {
	repo := newMemRepo()
	repo.failLoads = 10
	p := &Processor{Repo: repo, BatchSize: 2, MaxErrors: 1}

	path := writeTempGz(t,
		domainLine("D1", "Physics"),
		domainLine("D2", "Biology"),
	)

	_, err := p.ProcessFile(context.Background(), "domains", path)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestProcessFileReplayIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	p := &Processor{Repo: repo, BatchSize: 100, MaxErrors: 0}

	lines := []string{domainLine("D1", "Physics"), domainLine("D2", "Biology")}

	for i := 0; i < 2; i++ {
		path := writeTempGz(t, lines...)
		if _, err := p.ProcessFile(context.Background(), "domains", path); err != nil {
			t.Fatal(err)
		}
	}
	if repo.rowCount("openalex.domains") != 2 {
		t.Fatalf("replay duplicated rows: %d", repo.rowCount("openalex.domains"))
	}
}

func TestReadLineRecoversFromOversizedLine(t *testing.T) {
	input := "short\n" + strings.Repeat("x", 100) + "\nafter"
	// A tiny reader buffer forces the multi-fragment path.
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, err := readLine(r, 10)
	if err != nil || string(line) != "short" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if _, err := readLine(r, 10); !errors.Is(err, errLineTooLong) {
		t.Fatalf("err = %v, want errLineTooLong", err)
	}
	// The oversized line is fully consumed; the next line is intact.
	line, err = readLine(r, 10)
	if err != nil || string(line) != "after" {
		t.Fatalf("line after oversized = %q, %v", line, err)
	}
	if _, err := readLine(r, 10); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

// ---- driver ----

func entityObjects(t *testing.T, entity, partition string, files map[string][]string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for name, lines := range files {
		out["data/"+entity+"/"+partition+"/"+name] = gzipLines(t, lines...)
	}
	return out
}

func newTestDriver(t *testing.T, store *memStore, repo *memRepo) (*Driver, *state.Store) {
	t.Helper()
	st, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := &Driver{
		State:     st,
		Discovery: &snapshot.Discovery{Store: store, State: st},
		Fetcher: &fetch.Fetcher{
			Store:   store,
			TempDir: t.TempDir(),
			Policy:  fetch.Backoff{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2},
		},
		Processor: &Processor{Repo: repo, BatchSize: 100, MaxErrors: 1},
	}
	return d, st
}

func TestRunEntityEndToEnd(t *testing.T) {
	store := &memStore{objects: entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("D1", "Physics"), domainLine("D2", "Biology")},
		"part_001.gz": {domainLine("D3", "Chemistry")},
	})}
	repo := newMemRepo()
	d, st := newTestDriver(t, store, repo)

	if err := d.RunEntity(context.Background(), "domains"); err != nil {
		t.Fatalf("RunEntity: %v", err)
	}

	if repo.rowCount("openalex.domains") != 3 {
		t.Fatalf("loaded rows = %d", repo.rowCount("openalex.domains"))
	}
	if !st.IsEntityComplete("domains") {
		t.Fatal("entity not marked complete")
	}
	if !st.IsFileComplete("domains", "part_000.gz") || !st.IsFileComplete("domains", "part_001.gz") {
		t.Fatal("files not checkpointed")
	}
}

func TestRunEntityPicksLatestPartitionOnly(t *testing.T) {
	objects := entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("D1", "New")},
	})
	for k, v := range entityObjects(t, "domains", "updated_date=2025-01-01", map[string][]string{
		"part_old.gz": {domainLine("D9", "Old")},
	}) {
		objects[k] = v
	}
	repo := newMemRepo()
	d, st := newTestDriver(t, &memStore{objects: objects}, repo)

	if err := d.RunEntity(context.Background(), "domains"); err != nil {
		t.Fatal(err)
	}
	if repo.rowCount("openalex.domains") != 1 {
		t.Fatalf("rows = %d, older partition must be ignored", repo.rowCount("openalex.domains"))
	}
	if st.IsFileComplete("domains", "part_old.gz") {
		t.Fatal("older partition file checkpointed")
	}
}

func TestRunEntityResumesAfterCheckpoint(t *testing.T) {
	store := &memStore{objects: entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("D1", "Physics")},
		"part_001.gz": {domainLine("D2", "Biology")},
	})}
	repo := newMemRepo()
	d, st := newTestDriver(t, store, repo)

	// Simulate a previous run that finished only the first file.
	if err := st.MarkFileComplete("domains", "part_000.gz"); err != nil {
		t.Fatal(err)
	}

	if err := d.RunEntity(context.Background(), "domains"); err != nil {
		t.Fatal(err)
	}

	// Only the second file's record was loaded.
	if repo.rowCount("openalex.domains") != 1 {
		t.Fatalf("rows = %d, want only the unfinished file processed", repo.rowCount("openalex.domains"))
	}
	if repo.row("openalex.domains", encodeKey([]any{"D2"}, []int{0})) == nil {
		t.Fatal("resumed run did not load the remaining file")
	}
}

func TestRunEntitySkipsWhenComplete(t *testing.T) {
	store := &memStore{objects: entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("D1", "Physics")},
	})}
	repo := newMemRepo()
	d, st := newTestDriver(t, store, repo)

	if err := st.MarkEntityComplete("domains"); err != nil {
		t.Fatal(err)
	}
	if err := d.RunEntity(context.Background(), "domains"); err != nil {
		t.Fatal(err)
	}
	if repo.loads != 0 {
		t.Fatal("completed entity was re-processed")
	}
}

func TestRunEntityNoPartitionMarksComplete(t *testing.T) {
	d, st := newTestDriver(t, &memStore{objects: map[string][]byte{}}, newMemRepo())

	if err := d.RunEntity(context.Background(), "domains"); err != nil {
		t.Fatal(err)
	}
	if !st.IsEntityComplete("domains") {
		t.Fatal("entity with no partition not marked complete")
	}
}

func TestRunEntityOverBudgetFileAbortsRun(t *testing.T) {
	store := &memStore{objects: entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {"{malformed", "{malformed", "{malformed"},
		"part_001.gz": {domainLine("D1", "Physics")},
	})}
	repo := newMemRepo()
	d, st := newTestDriver(t, store, repo)

	err := d.RunEntity(context.Background(), "domains")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if st.IsEntityComplete("domains") {
		t.Fatal("failed entity marked complete")
	}
	if st.IsFileComplete("domains", "part_000.gz") {
		t.Fatal("failed file checkpointed")
	}
}

func institutionLine(id, name, city string) string {
	return fmt.Sprintf(`{"id": %q, "display_name": %q, "ids": {"ror": "r-%s"}, "geo": {"city": %q}}`, id, name, id, city)
}

func TestRunEntityInstitutionsWithBudget(t *testing.T) {
	store := &memStore{objects: entityObjects(t, "institutions", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {
			institutionLine("I1", "MIT", "Cambridge"),
			institutionLine("I2", "ETH", "Zurich"),
			institutionLine("I3", "KTH", "Stockholm"),
			"{malformed",
		},
		"part_001.gz": {
			institutionLine("I4", "UBC", "Vancouver"),
			institutionLine("I5", "ANU", "Canberra"),
			institutionLine("I6", "NUS", "Singapore"),
			"{malformed",
		},
	})}
	repo := newMemRepo()
	d, st := newTestDriver(t, store, repo)
	d.Processor.MaxErrors = 2

	if err := d.RunEntity(context.Background(), "institutions"); err != nil {
		t.Fatalf("RunEntity: %v", err)
	}

	if !st.IsEntityComplete("institutions") {
		t.Fatal("entity not complete")
	}
	if n := repo.rowCount("openalex.institutions"); n != 6 {
		t.Fatalf("institutions rows = %d, want 6", n)
	}
	if n := repo.rowCount("openalex.institutions_ids"); n != 6 {
		t.Fatalf("institutions_ids rows = %d, want 6", n)
	}
	if n := repo.rowCount("openalex.institutions_geo"); n != 6 {
		t.Fatalf("institutions_geo rows = %d, want 6", n)
	}
}

func TestRunAllEntitiesAreIndependent(t *testing.T) {
	objects := entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {"{malformed", "{malformed"},
	})
	for k, v := range entityObjects(t, "fields", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("F1", "Computer Science")},
	}) {
		objects[k] = v
	}
	repo := newMemRepo()
	d, st := newTestDriver(t, &memStore{objects: objects}, repo)
	d.Processor.MaxErrors = 0
	d.Parallelism = 2

	err := d.RunAll(context.Background(), []string{"domains", "fields"})
	if err == nil {
		t.Fatal("expected combined error from failed entity")
	}
	if !strings.Contains(err.Error(), "domains") {
		t.Fatalf("error does not name the failed entity: %v", err)
	}

	// The healthy entity finished despite the failure.
	if !st.IsEntityComplete("fields") {
		t.Fatal("healthy entity did not complete")
	}
	if repo.rowCount("openalex.fields") != 1 {
		t.Fatalf("fields rows = %d", repo.rowCount("openalex.fields"))
	}
}

func TestRunAllParallelWithSameFileNames(t *testing.T) {
	// Both entities ship the same file names; concurrent runs must not read
	// each other's downloads.
	objects := entityObjects(t, "domains", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("D1", "Physics")},
		"part_001.gz": {domainLine("D2", "Biology")},
	})
	for k, v := range entityObjects(t, "fields", "updated_date=2025-05-30", map[string][]string{
		"part_000.gz": {domainLine("F1", "Optics")},
		"part_001.gz": {domainLine("F2", "Genetics")},
	}) {
		objects[k] = v
	}
	repo := newMemRepo()
	d, st := newTestDriver(t, &memStore{objects: objects}, repo)
	d.Parallelism = 2

	if err := d.RunAll(context.Background(), []string{"domains", "fields"}); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	for _, entity := range []string{"domains", "fields"} {
		if !st.IsEntityComplete(entity) {
			t.Fatalf("%s not complete", entity)
		}
	}
	if got := repo.ids("openalex.domains"); !slicesEqual(got, []string{"D1", "D2"}) {
		t.Fatalf("domains rows = %v", got)
	}
	if got := repo.ids("openalex.fields"); !slicesEqual(got, []string{"F1", "F2"}) {
		t.Fatalf("fields rows = %v", got)
	}
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
