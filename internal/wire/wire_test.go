package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte("[1,2,3]"))
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDirectClientDecoration(t *testing.T) {
	f, err := Parse([]byte(`{"m":1}`))
	require.NoError(t, err)

	require.NoError(t, f.Set("client_id", uint64(5)))
	require.NoError(t, f.Set("address", "127.0.0.1:1234"))
	require.NoError(t, f.Set("server", 0))

	id, ok := f.GetUint64("client_id")
	require.True(t, ok)
	assert.Equal(t, uint64(5), id)

	addr, ok := f.Get("address")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:1234", addr.String())
}

func TestPassthroughClientIDRewrite(t *testing.T) {
	f, err := Parse([]byte(`{"method":"x","client_id":7}`))
	require.NoError(t, err)

	sub, ok := f.GetUint64("client_id")
	require.True(t, ok)
	assert.Equal(t, uint64(7), sub)

	require.NoError(t, f.Delete("client_id"))
	require.NoError(t, f.Set("client_id", (uint64(10)<<32)|sub))

	id, ok := f.GetUint64("client_id")
	require.True(t, ok)
	assert.Equal(t, uint64(42949672967), id)

	_, hasAddr := f.Get("address")
	assert.False(t, hasAddr)
}

func TestWithTrailingLF(t *testing.T) {
	f, err := Parse([]byte(`{"a":1}`))
	require.NoError(t, err)
	out := f.WithTrailingLF()
	assert.Equal(t, byte('\n'), out[len(out)-1])
}

func TestSplitLinesExactCount(t *testing.T) {
	buf := []byte("{\"m\":1}\n{\"m\":2}\n{\"m\":3}\n")
	records, consumed, oversized := SplitLines(buf, 1024)
	require.False(t, oversized)
	require.Len(t, records, 3)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, "{\"m\":1}\n", string(records[0]))
	assert.Equal(t, "{\"m\":3}\n", string(records[2]))
}

func TestSplitLinesPartialTrailingRecord(t *testing.T) {
	buf := []byte("{\"m\":1}\n{\"m\":2")
	records, consumed, oversized := SplitLines(buf, 1024)
	require.False(t, oversized)
	require.Len(t, records, 1)
	assert.Equal(t, 8, consumed)
}

func TestSplitLinesOversizedRecord(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'a'
	}
	big[len(big)-1] = '\n'
	records, _, oversized := SplitLines(big, 1024)
	assert.True(t, oversized)
	assert.Empty(t, records)
}
