package serialize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"

	"github.com/tickframe/logpipe/pkg/types"
)

func TestEncodeRoundTrip(t *testing.T) {
	enc := &Encoder{}
	rec := types.Record{
		Time:    1724995200123456789,
		Level:   types.LevelOrder,
		Service: "matching-engine",
		Message: `new order "ioc" placed`,
		Fields: []types.Field{
			types.F("symbol", "WINQ24"),
			types.F("qty", "150"),
			types.F("symbol", "WDOQ24"),
		},
	}

	out, err := enc.AppendRecord(nil, &rec)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(out), "\n"))

	v, err := fastjson.Parse(strings.TrimSuffix(string(out), "\n"))
	require.NoError(t, err)

	assert.Equal(t, int64(1724995200123456789), v.GetInt64("ts"), "nanosecond precision must survive")
	assert.Equal(t, "order", string(v.GetStringBytes("level")))
	assert.Equal(t, "matching-engine", string(v.GetStringBytes("service")))
	assert.Equal(t, `new order "ioc" placed`, string(v.GetStringBytes("message")))

	fields := v.GetArray("fields")
	require.Len(t, fields, 3)
	assert.Equal(t, "symbol", string(fields[0].GetStringBytes("0")))
	assert.Equal(t, "WINQ24", string(fields[0].GetStringBytes("1")))
	assert.Equal(t, "WDOQ24", string(fields[2].GetStringBytes("1")), "duplicate keys keep insertion order")
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	enc := &Encoder{}
	out, err := enc.AppendRecord(nil, &types.Record{Level: types.LevelInfo, Service: "a", Message: "b"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "fields")
}

func TestEncodeEscapesControlCharacters(t *testing.T) {
	enc := &Encoder{}
	out, err := enc.AppendRecord(nil, &types.Record{Message: "line1\nline2\ttab\x01end"})
	require.NoError(t, err)

	v, err := fastjson.Parse(strings.TrimSuffix(string(out), "\n"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\ttab\x01end", string(v.GetStringBytes("message")))
}

func TestEncodeReplacesInvalidUTF8(t *testing.T) {
	enc := &Encoder{}
	out, err := enc.AppendRecord(nil, &types.Record{Message: "bad\xffbyte"})
	require.NoError(t, err)

	v, err := fastjson.Parse(strings.TrimSuffix(string(out), "\n"))
	require.NoError(t, err, "invalid input bytes must still produce valid JSON")
	assert.Equal(t, "bad�byte", string(v.GetStringBytes("message")))
}

func TestOversizedRecordLeavesBufferUntouched(t *testing.T) {
	enc := &Encoder{MaxRecordBytes: 128}

	dst, err := enc.AppendRecord([]byte("existing"), &types.Record{Service: "s", Message: "ok"})
	require.NoError(t, err)
	before := len(dst)

	dst, err = enc.AppendRecord(dst, &types.Record{Message: strings.Repeat("x", 4096)})
	assert.ErrorIs(t, err, ErrRecordTooBig)
	assert.Equal(t, before, len(dst), "failed record must not leave partial bytes behind")
}

func BenchmarkAppendRecord(b *testing.B) {
	enc := &Encoder{}
	rec := types.Record{
		Time:    1724995200123456789,
		Level:   types.LevelMarketData,
		Service: "md-gateway",
		Message: "top of book update",
		Fields:  []types.Field{types.F("symbol", "PETR4"), types.F("bid", "37.91")},
	}
	buf := make([]byte, 0, 64*1024)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = buf[:0]
		buf, _ = enc.AppendRecord(buf, &rec)
	}
}
