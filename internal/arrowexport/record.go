// Package arrowexport moves embedding vectors in and out of Apache Arrow:
// record construction, IPC streams and Arrow Flight DoPut.
package arrowexport

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	FieldID        = "id"
	FieldEmbedding = "embedding"

	metaDim   = "lens.dim"
	metaModel = "lens.model"
)

// Schema describes {id: utf8, embedding: fixed_size_list<float32>[dim]}.
func Schema(dim int, model string) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaDim, metaModel},
		[]string{strconv.Itoa(dim), model},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: FieldID, Type: arrow.BinaryTypes.String},
		{Name: FieldEmbedding, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// Batch is a set of vectors sharing one dimension.
type Batch struct {
	IDs     []string
	Vectors [][]float32
	Model   string
}

func (b *Batch) validate() (int, error) {
	if len(b.Vectors) == 0 {
		return 0, fmt.Errorf("no vectors provided")
	}
	if len(b.IDs) != len(b.Vectors) {
		return 0, fmt.Errorf("%d ids for %d vectors", len(b.IDs), len(b.Vectors))
	}
	dim := len(b.Vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("empty vector")
	}
	for i, v := range b.Vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("vector %d has dim %d, want %d", i, len(v), dim)
		}
	}
	return dim, nil
}

// BuildRecord converts b to an Arrow record. The caller must Release it.
func BuildRecord(mem memory.Allocator, b *Batch) (arrow.Record, error) {
	dim, err := b.validate()
	if err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	schema := Schema(dim, b.Model)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	ids := rb.Field(0).(*array.StringBuilder)
	ids.AppendValues(b.IDs, nil)

	lb := rb.Field(1).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	vb.Reserve(len(b.Vectors) * dim)
	for _, v := range b.Vectors {
		lb.Append(true)
		vb.AppendValues(v, nil)
	}
	return rb.NewRecord(), nil
}

// ReadRecord extracts ids and vectors from a record built with Schema.
func ReadRecord(rec arrow.Record) (*Batch, error) {
	if rec.NumCols() != 2 {
		return nil, fmt.Errorf("expected 2 columns, got %d", rec.NumCols())
	}
	ids, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want utf8", FieldID, rec.Column(0).DataType())
	}
	list, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want fixed_size_list", FieldEmbedding, rec.Column(1).DataType())
	}
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("embedding values are %s, want float32", list.ListValues().DataType())
	}

	out := &Batch{
		IDs:     make([]string, rec.NumRows()),
		Vectors: make([][]float32, rec.NumRows()),
	}
	if md := rec.Schema().Metadata(); md.FindKey(metaModel) >= 0 {
		out.Model = md.Values()[md.FindKey(metaModel)]
	}
	raw := values.Float32Values()
	for i := 0; i < int(rec.NumRows()); i++ {
		out.IDs[i] = ids.Value(i)
		start, end := list.ValueOffsets(i)
		v := make([]float32, end-start)
		copy(v, raw[start:end])
		out.Vectors[i] = v
	}
	return out, nil
}
