package matching

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

var digitRun = regexp.MustCompile(`\d+`)

var fillerWords = map[string]bool{
	"a/c": true, "ac": true, "acct": true, "account": true, "no": true, "number": true,
	"ending": true, "with": true, "your": true, "ur": true, "from": true, "to": true,
	"the": true, "in": true, "on": true, "by": true, "via": true, "of": true,
}

// Normalize reduces a raw fingerprint to "institution words + last 4":
// "SBI Bank ****1234" and "sbi BANK a/c XX1234" both become "sbi bank 1234".
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	lower := strings.ToLower(raw)

	last4 := ""
	for _, run := range digitRun.FindAllString(lower, -1) {
		if len(run) >= 4 {
			last4 = run[len(run)-4:]
		}
	}

	lower = strings.ReplaceAll(lower, "a/c", " ")
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' {
			return r
		}
		return ' '
	}, lower)

	var words []string
	for _, w := range strings.Fields(cleaned) {
		if fillerWords[w] || isMask(w) || strings.IndexFunc(w, unicode.IsDigit) >= 0 {
			continue
		}
		words = append(words, w)
	}
	if last4 != "" {
		words = append(words, last4)
	}
	return strings.Join(words, " ")
}

func isMask(w string) bool {
	if len(w) < 2 {
		return false
	}
	return strings.Trim(w, "x") == ""
}

// Similarity is 1 minus the normalized edit distance of a and b, compared
// case-insensitively.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if n := len([]rune(b)); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}
