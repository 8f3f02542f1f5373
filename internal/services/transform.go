package services

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// fold lowercases s for caseless comparison. Casers are stateful, so each
// call gets its own.
func fold(s string) string { return cases.Fold().String(s) }

// MatchFilters reports whether msg passes a task's filters. Keyword matching
// is case-insensitive substring matching on the message text. When include
// keywords are set at least one must match; no exclude keyword may match.
func MatchFilters(f domain.TaskFilters, msg domain.LogicalMessage) (bool, string) {
	if f.RequireMedia && len(msg.Media) == 0 {
		return false, "media required"
	}
	text := fold(msg.Text)
	for _, kw := range f.ExcludeKeywords {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(text, fold(kw)) {
			return false, "excluded keyword " + kw
		}
	}
	if len(f.IncludeKeywords) == 0 {
		return true, ""
	}
	for _, kw := range f.IncludeKeywords {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(text, fold(kw)) {
			return true, ""
		}
	}
	return false, "no include keyword"
}

// ApplyTransform rewrites text for publishing: prepend and append blocks are
// separated from the body by a blank line, and hashtags not already present
// in the text are added as a final line.
func ApplyTransform(t domain.TaskTransform, text string) string {
	var parts []string
	for _, s := range []string{t.Prepend, text, t.Append} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	existing := fold(strings.Join(parts, " "))
	var tags []string
	seen := map[string]bool{}
	for _, raw := range t.Hashtags {
		tag := Hashtag(raw)
		if tag == "" {
			continue
		}
		key := fold(tag)
		if seen[key] || containsTag(existing, key) {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
	}
	if len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	return strings.Join(parts, "\n\n")
}

// Hashtag normalizes a configured tag: "summer sale" and "#summer_sale"
// become "#SummerSale" and "#summer_sale" respectively. Characters other
// than letters, digits and underscores are removed.
func Hashtag(raw string) string {
	raw = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(raw), "#"))
	if raw == "" {
		return ""
	}
	words := strings.Fields(raw)
	if len(words) > 1 {
		title := cases.Title(language.Und, cases.NoLower)
		for i, w := range words {
			words[i] = title.String(w)
		}
	}
	var b strings.Builder
	b.WriteByte('#')
	for _, r := range strings.Join(words, "") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// containsTag reports whether tag occurs in text as a whole hashtag.
func containsTag(text, tag string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], tag)
		if i < 0 {
			return false
		}
		end := from + i + len(tag)
		if end == len(text) {
			return true
		}
		r, _ := utf8.DecodeRuneInString(text[end:])
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return true
		}
		from = end
	}
}
