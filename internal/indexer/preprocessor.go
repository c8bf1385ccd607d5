package indexer

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	propertyLine = regexp.MustCompile(`^[A-Za-z0-9_\-/]+::(\s.*)?$`)
	macroRef     = regexp.MustCompile(`\{\{[^}]*\}\}`)
	blockRef     = regexp.MustCompile(`\(\([^)]*\)\)`)
	headingMark  = regexp.MustCompile(`^#{1,6}(\s+|$)`)
	bulletMark   = regexp.MustCompile(`^[-*+](\s+|$)`)
	ruleLine     = regexp.MustCompile(`^(-{3,}|\*{3,}|_{3,})$`)
)

// Preprocess normalizes text for indexing (trim, collapse whitespace).
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// StructuralOnly reports whether title carries no prose once outline markup is
// removed: headings and bullet markers, horizontal rules, property lines
// (key:: value), macros ({{...}}) and block references ((...)).
func StructuralOnly(title string) bool {
	for _, line := range strings.Split(title, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || ruleLine.MatchString(line) || propertyLine.MatchString(line) {
			continue
		}
		line = headingMark.ReplaceAllString(line, "")
		line = bulletMark.ReplaceAllString(line, "")
		line = macroRef.ReplaceAllString(line, "")
		line = blockRef.ReplaceAllString(line, "")
		if strings.TrimSpace(line) != "" {
			return false
		}
	}
	return true
}
