package arrowexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
)

const DefaultPort = 3000

// FlightClient uploads embedding batches with Arrow Flight DoPut.
type FlightClient struct {
	client  flight.Client
	addr    string
	path    string
	timeout time.Duration
}

// NewFlightClient targets host:port and tags uploads with a PATH descriptor.
func NewFlightClient(addr, path string) *FlightClient {
	if path == "" {
		path = "embeddings"
	}
	return &FlightClient{
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
	}
}

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// Put streams b as one record and waits for the server to finish the call.
func (fc *FlightClient) Put(ctx context.Context, b *Batch) error {
	if fc.client == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	mem := memory.NewGoAllocator()
	rec, err := BuildRecord(mem, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("do_put: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{fc.path}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("do_put write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("do_put close: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("do_put close send: %w", err)
	}
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("do_put: %w", err)
		}
	}

	metrics.RecordExport("flight", len(b.Vectors))
	logger.Log.Debug("flight put", "addr", fc.addr, "path", fc.path, "rows", len(b.Vectors))
	return nil
}

var (
	_ Sink = (*FlightClient)(nil)
	_ Sink = (*FileSink)(nil)
)
