package protocol

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// sanitizeLine returns line unchanged if it is valid UTF-8. Some legacy
// operator clients send Latin-1 in free-text fields (history and log
// entries); rather than reject the line, it is decoded as Latin-1 and
// re-encoded as UTF-8, the same fallback this protocol's servers have
// always applied to keep old clients working.
func sanitizeLine(line string) string {
	if utf8.ValidString(line) {
		return line
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(line)
	if err != nil {
		return line
	}
	return decoded
}
