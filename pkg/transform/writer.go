package transform

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// codec maps a compression name to its parquet codec.
func codec(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", name)
	}
}

// encode writes records as a single parquet file.
func encode(records []RefinedRecord, c compress.Codec) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[RefinedRecord](&buf, parquet.Compression(c))
	if _, err := w.Write(records); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadRefined decodes a published partition file.
func ReadRefined(data []byte) ([]RefinedRecord, error) {
	return parquet.Read[RefinedRecord](bytes.NewReader(data), int64(len(data)))
}
