package upload

import (
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes accented characters and strips the combining marks,
// so "Привет" stays non-ASCII but "café" becomes "cafe".
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeName transliterates a filename to a lower-case ASCII-safe form.
// Characters that survive no transliteration are replaced with '_' and runs
// of '_' are collapsed. The extension is kept.
func SanitizeName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	base := strings.TrimSuffix(name, path.Ext(name))

	if folded, _, err := transform.String(asciiFold, base); err == nil {
		base = folded
	}
	base = strings.ToLower(base)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range base {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "asset"
	}
	return out + ext
}

// RemotePath composes the object path for an asset: a domain-scoped prefix,
// a date segment, and the sanitized base filename.
func RemotePath(prefix string, at time.Time, name string) string {
	return path.Join(prefix, at.UTC().Format("2006-01-02"), SanitizeName(name))
}
