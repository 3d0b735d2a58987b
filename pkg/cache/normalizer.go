package cache

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// QueryNormalizer maps query text to the canonical form used in entry ids
type QueryNormalizer interface {
	Normalize(query string) string
}

// DefaultQueryNormalizer lowercases, strips punctuation other than hyphens,
// collapses whitespace and drops consecutive duplicate words. Stop words are
// kept.
type DefaultQueryNormalizer struct {
	punctuationRegex *regexp.Regexp
}

// NewQueryNormalizer creates a new query normalizer
func NewQueryNormalizer() QueryNormalizer {
	return &DefaultQueryNormalizer{
		punctuationRegex: regexp.MustCompile(`[^\p{L}\p{N}\s-]`),
	}
}

// Normalize processes a query for consistent id derivation
func (n *DefaultQueryNormalizer) Normalize(query string) string {
	if query == "" {
		return ""
	}

	normalized := strings.ToLower(query)
	normalized = n.punctuationRegex.ReplaceAllString(normalized, " ")

	words := strings.Fields(normalized)
	filtered := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.Trim(word, "-")
		if word == "" {
			continue
		}
		if len(filtered) > 0 && filtered[len(filtered)-1] == word {
			continue
		}
		filtered = append(filtered, word)
	}

	return strings.Join(filtered, " ")
}

// QueryValidator sanitizes raw query text before it is stored or logged
type QueryValidator struct {
	maxLength       int
	sanitizePattern *regexp.Regexp
}

// NewQueryValidator creates a validator that keeps at most maxLength runes
func NewQueryValidator(maxLength int) *QueryValidator {
	if maxLength <= 0 {
		maxLength = 1000
	}
	return &QueryValidator{
		maxLength: maxLength,
		// control characters except \t\n\r
		sanitizePattern: regexp.MustCompile(`[\x00-\x08\x0B-\x0C\x0E-\x1F\x7F]`),
	}
}

// Sanitize cleans the query and truncates it to the maximum length
func (v *QueryValidator) Sanitize(query string) string {
	return v.Truncate(v.Clean(query))
}

// Clean trims the query, drops invalid UTF-8 and control characters and
// collapses whitespace. It never shortens the text otherwise.
func (v *QueryValidator) Clean(query string) string {
	query = strings.TrimSpace(query)
	if !utf8.ValidString(query) {
		query = strings.ToValidUTF8(query, "")
	}
	query = v.sanitizePattern.ReplaceAllString(query, "")
	return strings.Join(strings.Fields(query), " ")
}

// Truncate keeps at most the maximum number of runes
func (v *QueryValidator) Truncate(query string) string {
	if utf8.RuneCountInString(query) > v.maxLength {
		query = string([]rune(query)[:v.maxLength])
	}
	return query
}
