package cache

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// entryNamespace scopes the name-based UUIDs used as entry ids
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("semantic-cache.entry"))

// embeddingDigest hashes the first components of an embedding, each rounded
// to four decimal places so float noise below that does not change the id
func embeddingDigest(embedding []float32, components int) string {
	if components > len(embedding) {
		components = len(embedding)
	}

	h := xxhash.New()
	buf := make([]byte, 0, 8)
	for _, x := range embedding[:components] {
		q := int64(math.Round(float64(x) * 1e4))
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(q))
		_, _ = h.Write(buf)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// EntryID derives the deterministic id of an entry from its normalized query
// and the digest of its leading embedding components
func EntryID(normalizedQuery string, embedding []float32, components int) string {
	name := normalizedQuery + "|" + embeddingDigest(embedding, components)
	return uuid.NewSHA1(entryNamespace, []byte(name)).String()
}
