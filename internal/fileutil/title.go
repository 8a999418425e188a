package fileutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TitleDirName converts a free-form title into a directory name safe for the
// library tree. Separator and punctuation runs collapse to single spaces and
// the result is title-cased. Returns "" when nothing usable remains.
func TitleDirName(title string) string {
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.' || r == ':':
			if !prevSpace && cleaned.Len() > 0 {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	trimmed := strings.TrimSpace(cleaned.String())
	if trimmed == "" {
		return ""
	}
	return cases.Title(language.Und).String(trimmed)
}
