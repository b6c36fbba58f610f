package storage

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// sampleSize is how many leading bytes the negotiation step inspects.
const sampleSize = 512

// NormalizeKey strips any leading slashes so keys are always repository
// relative.
func NormalizeKey(key string) string {
	return strings.TrimLeft(key, "/")
}

// content is a fully buffered payload together with the digests the
// repository protocol needs before any transfer decision.
type content struct {
	data   []byte
	oid    string
	sample string
}

func newContent(data []byte) content {
	sum := sha256.Sum256(data)
	n := min(len(data), sampleSize)
	return content{
		data:   data,
		oid:    hex.EncodeToString(sum[:]),
		sample: base64.StdEncoding.EncodeToString(data[:n]),
	}
}

func (c content) size() int64 {
	return int64(len(c.data))
}

// chunks splits the payload into chunkSize slices in ascending order. The
// last chunk may be shorter.
func (c content) chunks(chunkSize int64) [][]byte {
	if chunkSize <= 0 {
		return [][]byte{c.data}
	}

	parts := make([][]byte, 0, (c.size()+chunkSize-1)/chunkSize)
	for start := int64(0); start < c.size(); start += chunkSize {
		end := min(start+chunkSize, c.size())
		parts = append(parts, c.data[start:end])
	}
	return parts
}

// unquoteETag removes the surrounding quotes and any weak validator prefix
// from an ETag header value.
func unquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
