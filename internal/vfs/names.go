package vfs

import (
	"net/url"
	"strings"

	"github.com/objectfs/driveftp/pkg/types"
)

// collisionToken delimits the id embedded in a collision-encoded name.
const collisionToken = "__ID__"

// Namer derives the names clients see from stored names.
type Namer struct {
	replacer *strings.Replacer
}

// NewNamer returns a Namer replacing every character of illegal with
// replacement.
func NewNamer(illegal, replacement string) *Namer {
	pairs := make([]string, 0, 2*len(illegal))
	for _, r := range illegal {
		pairs = append(pairs, string(r), replacement)
	}
	return &Namer{replacer: strings.NewReplacer(pairs...)}
}

// Sanitize substitutes illegal characters in name.
func (n *Namer) Sanitize(name string) string {
	return n.replacer.Replace(name)
}

// Matches reports whether a stored name is shown to clients as display.
func (n *Namer) Matches(stored, display string) bool {
	return stored == display || n.Sanitize(stored) == display
}

// DisplayNames returns the client-visible name of each entry. Siblings whose
// sanitized names coincide are all rewritten with their ids embedded.
func (n *Namer) DisplayNames(entries []*types.Entry) []string {
	names := make([]string, len(entries))
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		names[i] = n.Sanitize(e.Name)
		seen[names[i]]++
	}
	for i, e := range entries {
		if seen[names[i]] > 1 {
			names[i] = encodeCollision(names[i], e.ID)
		}
	}
	return names
}

// encodeCollision embeds id in name before its extension:
// "a.txt" with id "x" becomes "a__ID__x__ID__.txt".
func encodeCollision(name, id string) string {
	stem, ext := splitExt(name)
	return stem + collisionToken + url.PathEscape(id) + collisionToken + ext
}

// decodeCollision reverses encodeCollision, returning the embedded id and
// the display name it was derived from.
func decodeCollision(name string) (id, display string, ok bool) {
	last := strings.LastIndex(name, collisionToken)
	if last < 0 {
		return "", "", false
	}
	first := strings.LastIndex(name[:last], collisionToken)
	if first < 0 {
		return "", "", false
	}

	id, err := url.PathUnescape(name[first+len(collisionToken) : last])
	if err != nil || id == "" {
		return "", "", false
	}
	return id, name[:first] + name[last+len(collisionToken):], true
}

// splitExt splits at the last dot. A leading dot does not start an extension.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
