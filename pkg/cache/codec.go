package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxDecodedSize guards against decompression bombs
const maxDecodedSize = 100 * 1024 * 1024

// Codec serializes entries for durable stores. Payloads larger than the
// threshold are gzipped; Decode detects compression by the gzip magic bytes,
// so the threshold can change without breaking stored data.
type Codec struct {
	threshold int
	level     int
}

// NewCodec creates a codec compressing payloads above threshold bytes.
// A zero threshold compresses everything.
func NewCodec(threshold int) *Codec {
	return &Codec{
		threshold: threshold,
		level:     gzip.BestSpeed,
	}
}

// Encode serializes an entry
func (c *Codec) Encode(entry *CacheEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	if len(data) <= c.threshold {
		return data, nil
	}

	compressed, err := c.compress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	// Keep the plain form when compression did not help
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// Decode deserializes an entry produced by Encode
func (c *Codec) Decode(data []byte) (*CacheEntry, error) {
	if isCompressed(data) {
		decompressed, err := decompress(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
		}
		data = decompressed
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationFailed, err)
	}
	if entry.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrDeserializationFailed)
	}
	return &entry, nil
}

func (c *Codec) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, c.level)
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
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = gz.Close()
	}()
	return io.ReadAll(io.LimitReader(gz, maxDecodedSize))
}

func isCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
