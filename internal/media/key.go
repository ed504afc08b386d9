package media

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
)

// Key prefixes for the two kinds of asset.
const (
	PrefixOriginal  = "originals"
	PrefixProcessed = "processed"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// ObjectKey returns a fresh collision-free key of the form
// <prefix>/<subject>/<ulid><ext>, where ext follows the content type.
func ObjectKey(prefix, subject, contentType string) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()

	return prefix + "/" + subject + "/" + id.String() + Extension(contentType)
}

// Extension maps a content type to a file extension, empty when unknown.
func Extension(contentType string) string {
	if mt := mimetype.Lookup(contentType); mt != nil {
		return mt.Extension()
	}
	return ""
}

// Sniff detects the content type of data from its leading bytes.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}
