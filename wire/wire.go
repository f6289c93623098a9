// Package wire translates command payloads between caller values and the
// byte-oriented forms the native driver transports.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Codec converts a single payload value. Encode normalizes a caller value
// into bytes, Decode converts a raw reply payload back into the codec's
// preferred representation.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Bytes passes byte slices through untouched and renders primitives in their
// canonical text form. Imperative command connections use it.
type Bytes struct{}

// Name reports "bytes".
func (Bytes) Name() string { return "bytes" }

// Encode normalizes v into a byte slice.
func (Bytes) Encode(v any) ([]byte, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return value, nil
	case string:
		return []byte(value), nil
	case bool:
		if value {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case int:
		return strconv.AppendInt(nil, int64(value), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(value), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(value), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(value), 10), nil
	case int64:
		return strconv.AppendInt(nil, value, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(value), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(value), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(value), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(value), 10), nil
	case uint64:
		return strconv.AppendUint(nil, value, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(value), 'f', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, value, 'f', -1, 64), nil
	case fmt.Stringer:
		return []byte(value.String()), nil
	default:
		return nil, fmt.Errorf("bytes codec: unsupported value type %T", v)
	}
}

// Decode returns the payload unchanged.
func (Bytes) Decode(data []byte) (any, error) {
	return data, nil
}

// String renders payloads as strings.
type String struct{}

// Name reports "string".
func (String) Name() string { return "string" }

// Encode normalizes v into a byte slice.
func (String) Encode(v any) ([]byte, error) {
	return Bytes{}.Encode(v)
}

// Decode converts the payload into a string.
func (String) Decode(data []byte) (any, error) {
	return string(data), nil
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// GetBuffer borrows a buffer from the shared pool.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets a buffer and returns it to the shared pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// Buffer stages payloads in pooled buffers. Streaming connections use it so
// each delivered message borrows instead of allocates; consumers return
// buffers via PutBuffer once done.
type Buffer struct{}

// Name reports "buffer".
func (Buffer) Name() string { return "buffer" }

// Encode drains buffers directly and defers everything else to Bytes.
func (Buffer) Encode(v any) ([]byte, error) {
	if buf, ok := v.(*bytes.Buffer); ok {
		return buf.Bytes(), nil
	}
	return Bytes{}.Encode(v)
}

// Decode copies the payload into a pooled buffer.
func (Buffer) Decode(data []byte) (any, error) {
	buf := GetBuffer()
	if _, err := buf.Write(data); err != nil {
		PutBuffer(buf)
		return nil, fmt.Errorf("buffer codec: %w", err)
	}
	return buf, nil
}

// JSON marshals arbitrary caller values. It exists for callers that push
// structured payloads through command connections without maintaining their
// own serialization layer.
type JSON struct{}

// Name reports "json".
func (JSON) Name() string { return "json" }

// Encode marshals v.
func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return data, nil
}

// Decode unmarshals the payload into a generic value.
func (JSON) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("json codec: %w", err)
	}
	return v, nil
}
