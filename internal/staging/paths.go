package staging

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempMarker prefixes the session folder that holds staged objects.
const TempMarker = "temp-"

// Layout is the object naming convention of the documents bucket. Permanent
// documents live directly under Prefix; staged ones under
// Prefix/temp-<sessionId>/.
type Layout struct {
	Bucket string
	Prefix string
}

// StagedPath names a new staged object for fileName in sessionID. The random
// component keeps two uploads of the same name apart.
func (l Layout) StagedPath(sessionID, fileName string) string {
	return path.Join(l.Prefix, TempMarker+sessionID, shortID()+"-"+SanitizeFileName(fileName))
}

// PermanentPath names a permanent object for fileName at time t.
func (l Layout) PermanentPath(fileName string, t time.Time) string {
	return path.Join(l.Prefix, fmt.Sprintf("%d-%s", t.UnixMilli(), SanitizeFileName(fileName)))
}

// Disambiguate derives the single retry name after an upload collision. It
// adds a random component rather than relying on timestamp granularity.
func (l Layout) Disambiguate(objectName string) string {
	dir, base := path.Split(objectName)
	return dir + shortID() + "-" + base
}

// TempPrefix is the object prefix shared by every staged object.
func (l Layout) TempPrefix() string {
	return path.Join(l.Prefix, TempMarker)
}

// SessionPrefix is the object prefix of one session's staged objects.
func (l Layout) SessionPrefix(sessionID string) string {
	return path.Join(l.Prefix, TempMarker+sessionID) + "/"
}

// IsStaged reports whether objectName lives in a session folder.
func (l Layout) IsStaged(objectName string) bool {
	_, ok := l.SessionOf(objectName)
	return ok
}

// SessionOf extracts the session id from a staged object name.
func (l Layout) SessionOf(objectName string) (string, bool) {
	rest, ok := strings.CutPrefix(objectName, l.Prefix+"/"+TempMarker)
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Promote strips the temp-<sessionId> folder from a staged object name.
func (l Layout) Promote(objectName string) (string, error) {
	id, ok := l.SessionOf(objectName)
	if !ok {
		return "", fmt.Errorf("%q is not a staged object", objectName)
	}
	return strings.Replace(objectName, TempMarker+id+"/", "", 1), nil
}

// Resolve turns a stored file path into a bucket-relative object name.
// Historical records hold public URLs, gs:// URIs, paths prefixed with the
// bucket name, paths prefixed with the subfolder, or bare file names.
func (l Layout) Resolve(stored string) string {
	p := strings.TrimSpace(stored)
	if u, err := url.Parse(p); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		p = u.Path
		if i := strings.Index(p, "/object/public/"); i >= 0 {
			p = p[i+len("/object/public/"):]
		}
	}
	p = strings.TrimPrefix(p, "gs://")
	p = strings.TrimLeft(p, "/")
	p = strings.TrimPrefix(p, l.Bucket+"/")
	if !strings.HasPrefix(p, l.Prefix+"/") {
		p = path.Join(l.Prefix, p)
	}
	return p
}

// PublicURL is the public-access URL of objectName under base.
func (l Layout) PublicURL(base, objectName string) string {
	escaped := make([]string, 0, 4)
	for _, seg := range strings.Split(objectName, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return strings.TrimRight(base, "/") + "/" + l.Bucket + "/" + strings.Join(escaped, "/")
}

var unsafeNameRegex = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeFileName lowercases name and collapses unsafe runs to "_",
// keeping the extension.
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	sanitized := strings.Trim(unsafeNameRegex.ReplaceAllString(strings.ToLower(base), "_"), "_.")

	const maxLength = 100
	if len(sanitized) > maxLength {
		ext := path.Ext(sanitized)
		// an extension this long is not one worth keeping
		if len(ext) >= maxLength/2 {
			ext = ""
		}
		sanitized = strings.Trim(sanitized[:maxLength-len(ext)], "_.") + ext
	}
	if sanitized == "" {
		sanitized = "document.pdf"
	}
	return sanitized
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
