package recordings

import (
	"strings"

	"github.com/goruck/alexa-ip-cam/config"
)

// Delimiter joins media ID components. Single underscores may legitimately
// appear inside a component, so a double underscore keeps splitting unambiguous.
const Delimiter = "__"

// MaxMediaIDLen is the gateway's limit on media identifiers.
const MaxMediaIDLen = 255

// MediaID derives the externally visible identity of a recording from the
// camera's manufacturer ID and the recording's path components. The result
// contains only letters, digits and underscores, and is stable for the
// lifetime of the recording: the same inputs always produce the same ID.
func MediaID(cam config.Camera, r Recording) string {
	var parts []string
	parts = append(parts, strings.Split(cam.ManufacturerID, "-")...)
	parts = append(parts, strings.Split(r.Path, "/")...)
	parts = append(parts, r.FileName, r.BlockPath, r.BlockFileName)

	for i, p := range parts {
		parts[i] = sanitize(p)
	}
	id := strings.Join(parts, Delimiter)
	if len(id) > MaxMediaIDLen {
		id = id[:MaxMediaIDLen]
	}
	return id
}

// SplitMediaID recovers the components a media ID was derived from.
func SplitMediaID(id string) []string {
	return strings.Split(id, Delimiter)
}

// sanitize strips every character that is not a letter, digit or underscore.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		}
	}
	return b.String()
}
