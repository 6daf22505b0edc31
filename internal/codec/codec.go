// Package codec implements the raw deflate codec used for backup payloads.
//
// The wire format is a bare RFC 1951 deflate stream with no envelope. The
// plaintext is UTF-8, normally a JSON document. Each payload is processed by a
// single producer feeding a single consumer; a stream is never shared.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// ErrDecode indicates a truncated or corrupt compressed payload, or a
// plaintext that is not valid JSON for the requested target.
var ErrDecode = errors.New("decode error")

// Level is the deflate level used for every payload.
const Level = flate.DefaultCompression

// CompressStream deflates everything read from src into dst and returns the
// number of plaintext bytes consumed.
func CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	w, err := flate.NewWriter(dst, Level)
	if err != nil {
		return 0, fmt.Errorf("codec: failed to create deflate writer: %w", err)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return n, fmt.Errorf("codec: failed to compress: %w", err)
	}

	if err := w.Close(); err != nil {
		return n, fmt.Errorf("codec: failed to flush deflate stream: %w", err)
	}
	return n, nil
}

// DecompressStream inflates src into dst and returns the number of plaintext
// bytes written. Truncated or corrupt input, or bytes following the final
// deflate block, yield an error wrapping ErrDecode.
func DecompressStream(dst io.Writer, src io.Reader) (int64, error) {
	// flate reads byte-wise from an io.ByteReader, so br is left positioned
	// just past the final block.
	br := bufio.NewReader(src)
	r := flate.NewReader(br)
	defer func() { _ = r.Close() }()

	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch _, err := br.ReadByte(); {
	case err == nil:
		return n, fmt.Errorf("%w: trailing data after deflate stream", ErrDecode)
	case !errors.Is(err, io.EOF):
		return n, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return n, nil
}

// CompressBytes deflates data in a single pass. Zero-length input is valid and
// produces a minimal final block.
func CompressBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := CompressStream(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBytes is the inverse of CompressBytes.
func DecompressBytes(compressed []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := DecompressStream(&buf, bytes.NewReader(compressed)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressObject serializes v as JSON and compresses the result.
func CompressObject(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to marshal object: %w", err)
	}
	return CompressBytes(data)
}

// DecompressObject decompresses b and decodes the JSON plaintext into v.
func DecompressObject(b []byte, v any) error {
	data, err := DecompressBytes(b)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %w", ErrDecode, err)
	}
	return nil
}
