package pipeline

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"openalexetl/internal/metrics"
	"openalexetl/internal/transform"
	"openalexetl/internal/warehouse"
)

// ErrBudgetExceeded marks a file halted because its error count passed the
// configured budget. The driver treats it as a file failure, not a decode
// error to swallow.
var ErrBudgetExceeded = errors.New("pipeline: file error budget exceeded")

// A line of NDJSON can run long for heavily-referenced works records. A line
// over the limit is discarded and charged to the file's error budget like any
// other malformed record.
const maxLineBytes = 64 << 20

var errLineTooLong = errors.New("pipeline: line exceeds size limit")

// FileResult summarizes one file's processing.
type FileResult struct {
	Records int // records loaded
	Skipped int // tombstones and other intentional skips
	Errors  int // malformed records tolerated within the budget
}

// Processor streams one gzipped NDJSON file into the warehouse in batches.
type Processor struct {
	Repo      warehouse.Repository
	BatchSize int
	MaxErrors int
	Logger    Logger
}

// Logger is the minimal logging interface the pipeline uses.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ProcessFile decompresses and loads one local file for the entity.
//
// Per-record failures (unparseable line, decode error) are tolerated and
// counted until the budget is exceeded, then the file halts with
// ErrBudgetExceeded. A failed batch flush rolls the whole batch back, adds
// its record count to the error budget, and processing continues with the
// next records. Tombstone skips never count against the budget.
func (p *Processor) ProcessFile(ctx context.Context, entity, localPath string) (FileResult, error) {
	var res FileResult

	decode, ok := transform.Decoder(entity)
	if !ok {
		return res, fmt.Errorf("pipeline: no decoder for entity %s", entity)
	}
	tables, _ := transform.Tables(entity)

	f, err := os.Open(localPath)
	if err != nil {
		return res, fmt.Errorf("pipeline: open %s: %w", localPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return res, fmt.Errorf("pipeline: gzip %s: %w", localPath, err)
	}
	defer gz.Close()

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	b := newBatcher(batchSize, tables)

	flush := func() error {
		batch, n := b.Drain()
		if n == 0 {
			return nil
		}
		start := time.Now()
		if err := p.flushBatch(ctx, tables, batch); err != nil {
			p.logf("pipeline: %s: batch of %d records failed: %v", entity, n, err)
			res.Errors += n
			metrics.IncCounter("ingest_records_total", float64(n), metrics.Labels{"entity": entity, "kind": "error"})
			if res.Errors > p.MaxErrors {
				return fmt.Errorf("%w: %d errors in %s", ErrBudgetExceeded, res.Errors, localPath)
			}
			return nil
		}
		res.Records += n
		metrics.IncCounter("ingest_batches_total", 1, metrics.Labels{"entity": entity})
		metrics.IncCounter("ingest_records_total", float64(n), metrics.Labels{"entity": entity, "kind": "loaded"})
		metrics.ObserveHistogram("ingest_flush_duration_seconds", time.Since(start).Seconds(), metrics.Labels{"entity": entity})
		return nil
	}

	recordError := func() error {
		res.Errors++
		metrics.IncCounter("ingest_records_total", 1, metrics.Labels{"entity": entity, "kind": "error"})
		if res.Errors > p.MaxErrors {
			return fmt.Errorf("%w: %d errors in %s", ErrBudgetExceeded, res.Errors, localPath)
		}
		return nil
	}

	r := bufio.NewReaderSize(gz, 1<<20)
	for {
		line, err := readLine(r, maxLineBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errLineTooLong) {
			if err := recordError(); err != nil {
				return res, err
			}
			continue
		}
		if err != nil {
			return res, fmt.Errorf("pipeline: read %s: %w", localPath, err)
		}
		if len(line) == 0 {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			if err := recordError(); err != nil {
				return res, err
			}
			continue
		}

		rs, err := decode(obj)
		if err != nil {
			if err := recordError(); err != nil {
				return res, err
			}
			continue
		}
		if rs == nil {
			res.Skipped++
			metrics.IncCounter("ingest_records_total", 1, metrics.Labels{"entity": entity, "kind": "skipped"})
			continue
		}

		if err := b.Add(rs); err != nil {
			return res, err
		}
		if b.Full() {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// readLine returns the next line without its terminator. A line longer than
// max is consumed to its end and reported as errLineTooLong, leaving the
// reader positioned on the next line. io.EOF means no more lines.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, frag...)
			if len(line) > max {
				tooLong = true
				line = nil
			}
		}
		switch err {
		case nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return line[:len(line)-1], nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if tooLong {
				return nil, errLineTooLong
			}
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, nil
		default:
			return nil, err
		}
	}
}

// flushBatch pings first so a dropped connection is re-established (or
// surfaced) before the transaction starts.
func (p *Processor) flushBatch(ctx context.Context, tables []warehouse.TableSpec, batch warehouse.Batch) error {
	if err := p.Repo.Ping(ctx); err != nil {
		return fmt.Errorf("ping before flush: %w", err)
	}
	return p.Repo.LoadBatch(ctx, tables, batch)
}

func (p *Processor) logf(format string, v ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, v...)
	}
}
