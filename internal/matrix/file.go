package matrix

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format names an on-disk or on-wire matrix encoding.
type Format string

const (
	FormatText  Format = "text"
	FormatArrow Format = "arrow"
	FormatCBOR  Format = "cbor"
)

// ParseFormat validates a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatArrow, FormatCBOR:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("matrix: unknown format %q (text, arrow, cbor)", s)
	}
}

// FormatForPath picks the encoding from a file extension; unknown extensions are text.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".arrows", ".ipc":
		return FormatArrow
	case ".cbor":
		return FormatCBOR
	default:
		return FormatText
	}
}

// Decode reads one matrix in the given format. Arrow streams must carry exactly one record.
func Decode(r io.Reader, f Format) (*Matrix, error) {
	switch f {
	case FormatArrow:
		ms, err := ReadArrow(r)
		if err != nil {
			return nil, err
		}
		if len(ms) != 1 {
			return nil, fmt.Errorf("matrix: arrow stream holds %d records, expected 1", len(ms))
		}
		return ms[0], nil
	case FormatCBOR:
		return ReadCBOR(r)
	default:
		return ReadText(r)
	}
}

// Encode writes one matrix in the given format.
func Encode(w io.Writer, m *Matrix, f Format) error {
	switch f {
	case FormatArrow:
		return WriteArrow(w, m)
	case FormatCBOR:
		return WriteCBOR(w, m)
	default:
		return WriteText(w, m)
	}
}

// Load reads a matrix file, choosing the decoder by extension.
func Load(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Decode(f, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
