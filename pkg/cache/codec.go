package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Table is the column-oriented tabular payload variant. Storing cells per
// column instead of per row keeps repeated column names out of the encoded
// form, which matters for large result sets.
type Table struct {
	Columns []string                 `json:"columns"`
	Cells   map[string][]interface{} `json:"cells"`
	Rows    int                      `json:"rows"`
}

// NewTable creates an empty table with the given column set.
func NewTable(columns ...string) *Table {
	cells := make(map[string][]interface{}, len(columns))
	for _, col := range columns {
		cells[col] = nil
	}
	return &Table{Columns: columns, Cells: cells}
}

// AppendRow appends one row of values, in column order. Short rows are padded
// with nil.
func (t *Table) AppendRow(values ...interface{}) {
	for i, col := range t.Columns {
		if i < len(values) {
			t.Cells[col] = append(t.Cells[col], values[i])
		} else {
			t.Cells[col] = append(t.Cells[col], nil)
		}
	}
	t.Rows++
}

// Column returns the cell slice for a column, or nil if the column is absent.
func (t *Table) Column(name string) []interface{} {
	return t.Cells[name]
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t == nil || t.Rows == 0
}

// RecordMap is the keyed-record payload variant, used for metric and
// diagnosis results.
type RecordMap map[string]interface{}

// Payload kinds in the codec envelope.
const (
	kindTable     = "table"
	kindRecordMap = "record_map"
)

// envelopeVersion tags the encoded form; bump together with the key schema
// version when the envelope layout changes.
const envelopeVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Codec serializes the closed set of payload variants and provides an
// independent compress/decompress pair. Compression is gzip at BestSpeed;
// payloads below the minimum size are stored uncompressed.
type Codec struct {
	compressionLevel int
	minCompressBytes int
}

// NewCodec creates a codec with the given minimum compression size. Sizes
// below 1 disable the threshold.
func NewCodec(minCompressBytes int) *Codec {
	return &Codec{
		compressionLevel: gzip.BestSpeed,
		minCompressBytes: minCompressBytes,
	}
}

// Encode serializes a payload value. Supported values are *Table, RecordMap
// and map[string]interface{}; anything else is a programmer error reported as
// ErrEncodingFailed.
func (c *Codec) Encode(value interface{}) ([]byte, error) {
	var kind string
	switch value.(type) {
	case *Table:
		kind = kindTable
	case RecordMap, map[string]interface{}:
		kind = kindRecordMap
	default:
		return nil, fmt.Errorf("%w: type %T is not a cacheable payload", ErrEncodingFailed, value)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}

	encoded, err := json.Marshal(envelope{Version: envelopeVersion, Kind: kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return encoded, nil
}

// Decode deserializes a payload produced by Encode, returning *Table or
// RecordMap. Corrupt or unrecognized bytes are reported as ErrCorruptPayload.
func (c *Codec) Decode(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrCorruptPayload, env.Version)
	}

	switch env.Kind {
	case kindTable:
		var table Table
		if err := json.Unmarshal(env.Data, &table); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		return &table, nil
	case kindRecordMap:
		var record RecordMap
		if err := json.Unmarshal(env.Data, &record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		return record, nil
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", ErrCorruptPayload, env.Kind)
	}
}

// maxDecompressedBytes bounds Decompress output against decompression bombs.
const maxDecompressedBytes = 100 * 1024 * 1024

// Compress gzips data. Input below the minimum size, or input that gzip does
// not shrink, is returned unchanged.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	if len(data) < c.minCompressBytes {
		return data, nil
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compression write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	if buf.Len() >= len(data) {
		return data, nil
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Input without the gzip magic bytes, and input
// that fails to inflate, is returned unchanged: entries written while
// compression was disabled stay readable after it is enabled.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if !isCompressed(data) {
		return data, nil
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	defer func() {
		_ = gz.Close()
	}()

	decompressed, err := io.ReadAll(io.LimitReader(gz, maxDecompressedBytes))
	if err != nil {
		return data, nil
	}
	return decompressed, nil
}

// CompressionRatio reports the fraction of bytes saved by compressing data.
// Observability only; never used for correctness.
func (c *Codec) CompressionRatio(original, compressed []byte) float64 {
	if len(original) == 0 {
		return 0
	}
	return 1.0 - float64(len(compressed))/float64(len(original))
}

func isCompressed(data []byte) bool {
	// gzip magic bytes
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
