package matrix

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// wireMatrix is the CBOR shape shared by files and the HTTP API.
type wireMatrix struct {
	Rows     int       `cbor:"rows"`
	Cols     int       `cbor:"cols"`
	Elements []float32 `cbor:"elements"`
}

// MarshalCBOR implements cbor.Marshaler.
func (m *Matrix) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(wireMatrix{Rows: m.rows, Cols: m.cols, Elements: m.elements})
}

// UnmarshalCBOR implements cbor.Unmarshaler. The decoded shape is validated.
func (m *Matrix) UnmarshalCBOR(data []byte) error {
	var w wireMatrix
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := New(w.Rows, w.Cols, w.Elements)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// ReadCBOR decodes a single matrix.
func ReadCBOR(r io.Reader) (*Matrix, error) {
	m := &Matrix{}
	if err := cbor.NewDecoder(r).Decode(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteCBOR encodes m.
func WriteCBOR(w io.Writer, m *Matrix) error {
	return cbor.NewEncoder(w).Encode(m)
}
