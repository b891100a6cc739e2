package writer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// memoryFile is a write-only source.ParquetFile over a buffer, used to
// build objects before uploading them.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

// Seek reports the write position; the parquet writer only appends.
func (m *memoryFile) Seek(int64, int) (int64, error) { return int64(m.buffer.Len()), nil }

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// writeRows encodes rows into fw using schema's struct tags. It does not
// close fw.
func writeRows(fw source.ParquetFile, schema any, rows []any, codec parquet.CompressionCodec) error {
	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = codec

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}
