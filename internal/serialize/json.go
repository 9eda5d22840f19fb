// Package serialize encodes closed batches as JSON lines. The encoder only
// appends into the caller's pooled buffer, so the steady-state path does not
// allocate.
package serialize

import (
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/tickframe/logpipe/pkg/types"
)

// ErrRecordTooBig marks a record whose encoding exceeds the configured
// limit. The caller drops the record and keeps the batch going.
var ErrRecordTooBig = errors.New("serialize: record exceeds max encoded size")

// Encoder writes one JSON object per line. Timestamps stay integer
// nanoseconds to avoid float precision loss; fields are encoded as an array
// of [key, value] pairs so duplicate keys and ordering survive the trip.
type Encoder struct {
	// MaxRecordBytes bounds a single encoded record, 0 means unbounded.
	MaxRecordBytes int
}

// AppendRecord appends the record and a trailing newline to dst. On
// ErrRecordTooBig dst is returned unchanged.
func (e *Encoder) AppendRecord(dst []byte, rec *types.Record) ([]byte, error) {
	mark := len(dst)

	dst = append(dst, `{"ts":`...)
	dst = strconv.AppendInt(dst, rec.Time, 10)
	dst = append(dst, `,"level":"`...)
	dst = append(dst, rec.Level.String()...)
	dst = append(dst, `","service":`...)
	dst = appendJSONString(dst, rec.Service)
	dst = append(dst, `,"message":`...)
	dst = appendJSONString(dst, rec.Message)

	if len(rec.Fields) > 0 {
		dst = append(dst, `,"fields":[`...)
		for i, f := range rec.Fields {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, '[')
			dst = appendJSONString(dst, f.Key)
			dst = append(dst, ',')
			dst = appendJSONString(dst, f.Value)
			dst = append(dst, ']')
		}
		dst = append(dst, ']')
	}
	dst = append(dst, '}', '\n')

	if e.MaxRecordBytes > 0 && len(dst)-mark > e.MaxRecordBytes {
		return dst[:mark], ErrRecordTooBig
	}
	return dst, nil
}

const hexDigits = "0123456789abcdef"

// appendJSONString writes s as a quoted JSON string. Invalid UTF-8 bytes
// are replaced with U+FFFD instead of failing the record.
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"':
				dst = append(dst, '\\', '"')
			case c == '\\':
				dst = append(dst, '\\', '\\')
			case c == '\n':
				dst = append(dst, '\\', 'n')
			case c == '\r':
				dst = append(dst, '\\', 'r')
			case c == '\t':
				dst = append(dst, '\\', 't')
			case c < 0x20:
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			default:
				dst = append(dst, c)
			}
			i++
			continue
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, `�`...)
			i++
			continue
		}
		dst = append(dst, s[i:i+size]...)
		i += size
	}
	return append(dst, '"')
}
