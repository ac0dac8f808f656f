// Package wire implements the connector's JSON frame value abstraction —
// parse/get/set/delete primitives over a single inbound or outbound
// record — plus LF-delimited frame extraction over a sliding receive
// buffer. It deliberately avoids a full unmarshal into a Go struct: the
// connector only ever needs to read or rewrite one or two well-known top
// level fields (client_id, address, server) on an otherwise opaque JSON
// document, which is exactly what gjson/sjson are built for.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidJSON is returned by Parse when the frame does not decode as a
// JSON object.
var ErrInvalidJSON = errors.New("invalid JSON, disconnecting")

// Frame is a parsed JSON object, backed by its original bytes plus any
// in-place rewrites applied via Set/Delete.
type Frame struct {
	raw []byte
}

// Parse validates that b is a JSON object and returns a Frame wrapping it.
func Parse(b []byte) (*Frame, error) {
	if !gjson.ValidBytes(b) {
		return nil, ErrInvalidJSON
	}
	res := gjson.ParseBytes(b)
	if !res.IsObject() {
		return nil, ErrInvalidJSON
	}
	return &Frame{raw: b}, nil
}

// Get returns the gjson.Result at path, and whether it was present.
func (f *Frame) Get(path string) (gjson.Result, bool) {
	r := gjson.GetBytes(f.raw, path)
	return r, r.Exists()
}

// GetUint64 returns path as a uint64, and whether it was present and numeric.
func (f *Frame) GetUint64(path string) (uint64, bool) {
	r, ok := f.Get(path)
	if !ok || r.Type != gjson.Number {
		return 0, false
	}
	return r.Uint(), true
}

// Set writes value at path, replacing the frame's backing bytes.
func (f *Frame) Set(path string, value interface{}) error {
	out, err := sjson.SetBytes(f.raw, path, value)
	if err != nil {
		return fmt.Errorf("wire: set %s: %w", path, err)
	}
	f.raw = out
	return nil
}

// Delete removes path from the frame, replacing the frame's backing bytes.
func (f *Frame) Delete(path string) error {
	out, err := sjson.DeleteBytes(f.raw, path)
	if err != nil {
		return fmt.Errorf("wire: delete %s: %w", path, err)
	}
	f.raw = out
	return nil
}

// Bytes returns the frame's current serialized form, without a trailing LF.
func (f *Frame) Bytes() []byte {
	return f.raw
}

// WithTrailingLF returns the frame's bytes with a single trailing newline
// appended, ready to hand to the sender.
func (f *Frame) WithTrailingLF() []byte {
	out := make([]byte, len(f.raw)+1)
	copy(out, f.raw)
	out[len(f.raw)] = '\n'
	return out
}

// SplitLines extracts every complete LF-terminated record from buf,
// returning the records (each including its trailing LF) and the number of
// leading bytes of buf that were consumed. Callers slide their buffer down
// by the returned count. A record (including its LF) longer than maxLen is
// reported via the oversized return value and extraction stops at that
// point, since the caller must drop the connection rather than continue
// parsing a buffer whose framing has been violated.
func SplitLines(buf []byte, maxLen int) (records [][]byte, consumed int, oversized bool) {
	start := 0
	for start < len(buf) {
		idx := bytes.IndexByte(buf[start:], '\n')
		if idx < 0 {
			break
		}
		recLen := idx + 1
		if recLen > maxLen {
			return records, consumed, true
		}
		rec := make([]byte, recLen)
		copy(rec, buf[start:start+recLen])
		records = append(records, rec)
		start += recLen
		consumed = start
	}
	return records, consumed, false
}
