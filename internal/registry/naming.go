package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fallbackBase is used when sanitizing leaves nothing of the base name.
const fallbackBase = "upload"

// NewStorageName composes a collision-resistant storage name from a
// human-supplied base name: {base}-{unixmilli}-{rand8}{ext}. The millisecond
// timestamp plus eight hex characters of a random UUID make collisions
// practically impossible within a request burst, even for repeated uploads
// of identically-named content. Pure name computation; the caller creates
// the filesystem object.
func NewStorageName(base, ext string) string {
	return fmt.Sprintf("%s-%d-%s%s",
		sanitizeBase(base), time.Now().UnixMilli(), uuid.NewString()[:8], ext)
}

// sanitizeBase strips path components and characters that are unsafe in a
// file name, so a hostile original name cannot escape the uploads root.
func sanitizeBase(base string) string {
	base = filepath.Base(strings.TrimSpace(base))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	s := strings.Trim(b.String(), ". ")
	if s == "" {
		return fallbackBase
	}
	return s
}
