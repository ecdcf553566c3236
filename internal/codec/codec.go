// Package codec encodes task metadata documents.
//
// A metadata file is a 16-byte header followed by the body:
//
//	offset  size  field
//	0       4     magic "TVMD"
//	4       1     format version (1)
//	5       1     flags (bit 0: body is gzip)
//	6       2     reserved, zero
//	8       4     CRC-32 (IEEE) of the stored body
//	12      4     stored body length
//
// The body is the JSON encoding of Document.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/dohr-michael/taskvault/internal/tasks"
)

// ErrCorrupt is returned when stored bytes cannot be decoded.
var ErrCorrupt = errors.New("corrupt metadata")

const (
	headerSize    = 16
	formatVersion = 1
	flagGzip      = 1 << 0
)

var magic = [4]byte{'T', 'V', 'M', 'D'}

// WorkspaceRef pins the workspace archive that belongs to a metadata file.
type WorkspaceRef struct {
	Digest     string `json:"digest"` // hex SHA-256 of the stored archive
	Size       int64  `json:"size"`
	RawSize    int64  `json:"rawSize"`
	Files      int    `json:"files"`
	Compressed bool   `json:"compressed"`
}

// Document is everything stored in a metadata file.
type Document struct {
	Session   tasks.SessionMetadata `json:"session"`
	Payload   json.RawMessage       `json:"payload,omitempty"`
	Workspace *WorkspaceRef         `json:"workspace,omitempty"`
}

// Stats describes one encoding, for compression accounting.
type Stats struct {
	RawBytes    int
	StoredBytes int
}

// Encode serializes doc, gzip-compressing the body when compress is set.
func Encode(doc Document, compress bool) ([]byte, Stats, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("marshal metadata: %w", err)
	}

	body := raw
	var flags byte
	if compress {
		body, err = gzipBytes(raw)
		if err != nil {
			return nil, Stats{}, err
		}
		flags |= flagGzip
	}

	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], magic[:])
	out[4] = formatVersion
	out[5] = flags
	binary.BigEndian.PutUint32(out[8:12], crc32.ChecksumIEEE(body))
	binary.BigEndian.PutUint32(out[12:16], uint32(len(body)))
	out = append(out, body...)

	return out, Stats{RawBytes: len(raw), StoredBytes: len(body)}, nil
}

// Decode parses bytes produced by Encode. The compression flag is read from
// the header. Any mismatch or truncation yields ErrCorrupt.
func Decode(data []byte) (*Document, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, data[4])
	}

	flags := data[5]
	sum := binary.BigEndian.Uint32(data[8:12])
	length := binary.BigEndian.Uint32(data[12:16])
	body := data[headerSize:]

	if uint64(len(body)) != uint64(length) {
		return nil, fmt.Errorf("%w: body length %d, header says %d", ErrCorrupt, len(body), length)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	raw := body
	if flags&flagGzip != 0 {
		var err error
		raw, err = gunzipBytes(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Session.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrCorrupt)
	}
	return &doc, nil
}

// IsCompressed reports whether encoded data carries a gzip body. It returns
// false for data too short to hold a header.
func IsCompressed(data []byte) bool {
	return len(data) >= headerSize && data[5]&flagGzip != 0
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
