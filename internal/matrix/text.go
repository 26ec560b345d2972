package matrix

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// WriteText prints m the way the command line tool always has: a line break
// before every row, each value followed by a space, and a final newline.
// Values use 6 significant digits.
func WriteText(w io.Writer, m *Matrix) error {
	bw := bufio.NewWriter(w)
	for i := 0; i < m.rows; i++ {
		bw.WriteByte('\n')
		for j := 0; j < m.cols; j++ {
			bw.WriteString(FormatValue(m.At(i, j)))
			bw.WriteByte(' ')
		}
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

// FormatValue renders v like a default-configured C++ ostream does.
func FormatValue(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}

// ReadText parses whitespace separated rows, one row per non-blank line.
// Input is NFKC normalised first so full-width digits and no-break spaces
// from copy-pasted data parse like their ASCII forms.
func ReadText(r io.Reader) (*Matrix, error) {
	normalizer := transform.Chain(unicode.BOMOverride(unicode.UTF8.NewDecoder()), norm.NFKC)
	scanner := bufio.NewScanner(transform.NewReader(r, normalizer))

	var (
		elements []float32
		rows     int
		cols     = -1
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if cols == -1 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("matrix: line %d has %d values, expected %d", lineNo, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("matrix: line %d: %w", lineNo, err)
			}
			elements = append(elements, float32(v))
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cols == -1 {
		cols = 0
	}
	return New(rows, cols, elements)
}
