package overlay

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns name in Unicode NFC with surrounding space removed,
// so the same name typed on different systems compares equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ClampName normalizes name and cuts it to at most MaxUserNameLen bytes
// without splitting a character.
func ClampName(name string) string {
	name = NormalizeName(name)
	if len(name) <= MaxUserNameLen {
		return name
	}
	cut := MaxUserNameLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
