package client

import (
	"fmt"

	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// MatrixWriter writes matrices as records of one Flight data stream.
type MatrixWriter struct {
	mem    memory.Allocator
	writer *flight.Writer
}

// NewMatrixWriter starts a record stream on sender using the matrix schema.
func NewMatrixWriter(mem memory.Allocator, sender flight.DataStreamWriter) *MatrixWriter {
	return &MatrixWriter{
		mem:    mem,
		writer: flight.NewRecordWriter(sender, ipc.WithSchema(matrix.Schema), ipc.WithAllocator(mem)),
	}
}

// SetFlightDescriptor attaches desc to the next message sent.
func (w *MatrixWriter) SetFlightDescriptor(desc *flight.FlightDescriptor) {
	w.writer.SetFlightDescriptor(desc)
}

func (w *MatrixWriter) Write(m *matrix.Matrix) error {
	rec, err := matrix.ToRecord(w.mem, m)
	if err != nil {
		return err
	}
	defer rec.Release()
	return w.writer.Write(rec)
}

// Close ends the record stream. It does not close the underlying gRPC stream.
func (w *MatrixWriter) Close() error {
	return w.writer.Close()
}

// ReadMatrices reads exactly n matrix records from r.
func ReadMatrices(r *flight.Reader, n int) ([]*matrix.Matrix, error) {
	if !r.Schema().Equal(matrix.Schema) {
		return nil, fmt.Errorf("client: stream schema %s is not a matrix schema", r.Schema())
	}
	out := make([]*matrix.Matrix, 0, n)
	for len(out) < n && r.Next() {
		m, err := matrix.FromRecord(r.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(out) != n {
		return nil, fmt.Errorf("client: stream carried %d matrices, expected %d", len(out), n)
	}
	return out, nil
}
