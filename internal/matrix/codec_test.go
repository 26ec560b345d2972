package matrix

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, MustNew(2, 2, []float32{58, 64, 139, 154})))
	assert.Equal(t, "\n58 64 \n139 154 \n", buf.String())
}

func TestFormatValue(t *testing.T) {
	tests := map[float32]string{
		0:          "0",
		15:         "15",
		0.5:        "0.5",
		1.0 / 3:    "0.333333",
		1234567:    "1.23457e+06",
		-2.25:      "-2.25",
		0.00001234: "1.234e-05",
	}
	for v, want := range tests {
		assert.Equal(t, want, FormatValue(v), "value %v", v)
	}
}

func TestReadText(t *testing.T) {
	m, err := ReadText(bytes.NewBufferString("\n1 2 3\n\n4 5 6\n"))
	require.NoError(t, err)
	assert.True(t, m.Equal(MustNew(2, 3, []float32{1, 2, 3, 4, 5, 6})))
}

func TestReadText_Normalizes(t *testing.T) {
	// BOM, full-width digits and a no-break space
	in := "\ufeff\uff11 2\u00a03\n4 \uff15 6\n"
	m, err := ReadText(bytes.NewBufferString(in))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, m.Elements())
}

func TestReadText_Errors(t *testing.T) {
	_, err := ReadText(bytes.NewBufferString("1 2\n3\n"))
	assert.ErrorContains(t, err, "line 2")
	_, err = ReadText(bytes.NewBufferString("1 x\n"))
	assert.Error(t, err)
}

func TestReadText_Empty(t *testing.T) {
	m, err := ReadText(bytes.NewBufferString("\n\n"))
	require.NoError(t, err)
	assert.True(t, m.Equal(Zero(0, 0)))
}

func TestCBOR(t *testing.T) {
	m := MustNew(2, 3, []float32{1, 2, 3, 4, 5.5, -6})
	var buf bytes.Buffer
	require.NoError(t, WriteCBOR(&buf, m))

	got, err := ReadCBOR(&buf)
	require.NoError(t, err)
	assert.True(t, m.Equal(got))
}

func TestCBOR_RejectsBadShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCBOR(&buf, MustNew(1, 2, []float32{1, 2})))
	raw := buf.Bytes()
	// rows is the first map value: 0x01 -> 0x02
	idx := bytes.Index(raw, []byte("rows"))
	require.GreaterOrEqual(t, idx, 0)
	raw[idx+4] = 0x02

	_, err := ReadCBOR(bytes.NewReader(raw))
	assert.Error(t, err)

	overflow, err := cbor.Marshal(wireMatrix{Rows: 1 << 32, Cols: 1 << 32, Elements: []float32{}})
	require.NoError(t, err)
	_, err = ReadCBOR(bytes.NewReader(overflow))
	assert.Error(t, err)
}

func TestArrowRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	m := MustNew(3, 2, []float32{1, 2, 3, 4, 5, 6})
	rec, err := ToRecord(mem, m)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	got, err := FromRecord(rec)
	require.NoError(t, err)
	assert.True(t, m.Equal(got))

	_, err = ToRecord(mem, Zero(0, 4))
	assert.Error(t, err)
}

func TestArrowStream(t *testing.T) {
	a := MustNew(2, 3, []float32{1, 2, 3, 4, 5, 6})
	b := MustNew(3, 1, []float32{7, 8, 9})

	var buf bytes.Buffer
	require.NoError(t, WriteArrow(&buf, a, b))
	ms, err := ReadArrow(&buf)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.True(t, a.Equal(ms[0]))
	assert.True(t, b.Equal(ms[1]))
}

func TestFormats(t *testing.T) {
	f, err := ParseFormat("CBOR")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)
	_, err = ParseFormat("csv")
	assert.Error(t, err)

	assert.Equal(t, FormatArrow, FormatForPath("a/b.arrow"))
	assert.Equal(t, FormatCBOR, FormatForPath("x.CBOR"))
	assert.Equal(t, FormatText, FormatForPath("m.txt"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	m := MustNew(2, 2, []float32{1.5, 2, 3, 4})

	for _, f := range []Format{FormatText, FormatArrow, FormatCBOR} {
		path := filepath.Join(dir, "m."+string(f))
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m, f))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

		got, err := Load(path)
		require.NoError(t, err, "format %s", f)
		assert.True(t, m.Equal(got), "format %s", f)
	}

	_, err := Load(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
