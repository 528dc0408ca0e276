package arrowexport

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-lens/internal/metrics"
)

// WriteIPC writes b to w as a single-record Arrow IPC stream.
func WriteIPC(w io.Writer, b *Batch) error {
	mem := memory.NewGoAllocator()
	rec, err := BuildRecord(mem, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return wr.Close()
}

// ReadIPC reads every record of an Arrow IPC stream into one Batch.
func ReadIPC(r io.Reader) (*Batch, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	out := &Batch{}
	for rdr.Next() {
		b, err := ReadRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		out.IDs = append(out.IDs, b.IDs...)
		out.Vectors = append(out.Vectors, b.Vectors...)
		out.Model = b.Model
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read ipc stream: %w", err)
	}
	return out, nil
}

// Sink receives embedding batches.
type Sink interface {
	Put(ctx context.Context, b *Batch) error
	Close() error
}

// FileSink writes each Put as an IPC stream file at Path.
type FileSink struct {
	Path string
}

func (s *FileSink) Put(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.Path, err)
	}
	if err := WriteIPC(f, b); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	metrics.RecordExport("ipc", len(b.Vectors))
	return nil
}

func (s *FileSink) Close() error { return nil }
