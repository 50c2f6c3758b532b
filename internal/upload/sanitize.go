package upload

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxKeyLength = 200

// SanitizeKey reduces a client supplied filename to a token that is safe to
// use as a file name on disk. Directory components are dropped, accents are
// folded to ASCII and any run of other characters becomes a single dash.
func SanitizeKey(raw string) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}

	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, name)
	if err != nil {
		return "", fmt.Errorf("%w: filename %q: %v", ErrInvalidChunk, raw, err)
	}

	var b strings.Builder
	dash := false
	for _, r := range folded {
		if isKeyRune(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}

	key := b.String()
	if len(key) > maxKeyLength {
		key = key[len(key)-maxKeyLength:]
	}
	key = strings.Trim(key, "-.")
	if key == "" {
		return "", fmt.Errorf("%w: filename %q has no usable characters", ErrInvalidChunk, raw)
	}
	return key, nil
}

func isKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}
