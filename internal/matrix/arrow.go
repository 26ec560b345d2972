package matrix

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RowField is the single column of a matrix record: one list per matrix row.
const RowField = "row"

// Schema is shared by every matrix record, whatever its shape, so operands of
// different widths can travel in one IPC or Flight stream.
var Schema = arrow.NewSchema(
	[]arrow.Field{
		{Name: RowField, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// ToRecord converts m into a record with one list row per matrix row.
// The caller owns the returned record and must Release it.
func ToRecord(mem memory.Allocator, m *Matrix) (arrow.RecordBatch, error) {
	if m.rows == 0 && m.cols > 0 {
		return nil, fmt.Errorf("matrix: 0x%d has no rows to carry its width in a record", m.cols)
	}

	listBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Reserve(len(m.elements))

	for i := 0; i < m.rows; i++ {
		listBuilder.Append(true)
		valueBuilder.AppendValues(m.elements[i*m.cols:(i+1)*m.cols], nil)
	}

	rows := listBuilder.NewArray()
	defer rows.Release()

	return array.NewRecordBatch(Schema, []arrow.Array{rows}, int64(m.rows)), nil
}

// FromRecord rebuilds a matrix from a record produced by ToRecord.
func FromRecord(rec arrow.RecordBatch) (*Matrix, error) {
	indices := rec.Schema().FieldIndices(RowField)
	if len(indices) == 0 {
		return nil, fmt.Errorf("matrix: record has no %q column", RowField)
	}
	lists, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("matrix: column %q is %s, want list<float32>", RowField, rec.Column(indices[0]).DataType())
	}
	values, ok := lists.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("matrix: column %q holds %s, want float32", RowField, lists.ListValues().DataType())
	}

	rows := lists.Len()
	cols := 0
	elements := make([]float32, 0, values.Len())
	for i := 0; i < rows; i++ {
		if lists.IsNull(i) {
			return nil, fmt.Errorf("matrix: row %d is null", i)
		}
		start, end := lists.ValueOffsets(i)
		width := int(end - start)
		if i == 0 {
			cols = width
		} else if width != cols {
			return nil, fmt.Errorf("matrix: row %d has %d values, expected %d", i, width, cols)
		}
		for k := start; k < end; k++ {
			if values.IsNull(int(k)) {
				return nil, fmt.Errorf("matrix: null value in row %d", i)
			}
			elements = append(elements, values.Value(int(k)))
		}
	}
	return New(rows, cols, elements)
}

// WriteArrow writes the matrices as consecutive records of one IPC stream.
func WriteArrow(w io.Writer, ms ...*Matrix) error {
	mem := memory.NewGoAllocator()
	writer := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	for _, m := range ms {
		rec, err := ToRecord(mem, m)
		if err != nil {
			_ = writer.Close()
			return err
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// ReadArrow reads every matrix record in an IPC stream.
func ReadArrow(r io.Reader) ([]*Matrix, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var out []*Matrix
	for reader.Next() {
		m, err := FromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
