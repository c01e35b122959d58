package conversation

import (
	"math"
	"strconv"
	"strings"
)

// CancelWords end any active flow.
var CancelWords = []string{"ยกเลิก", "cancel"}

var branchAliases = map[string]string{
	"kingsquare":  "KSQ",
	"ksq":         "KSQ",
	"emquartier":  "EMQ",
	"emq":         "EMQ",
	"one bangkok": "ONB",
	"onb":         "ONB",
}

// MatchBranch maps a flow-start token to its branch code. Matching is exact
// after trimming and lower-casing.
func MatchBranch(text string) (string, bool) {
	code, ok := branchAliases[strings.ToLower(strings.TrimSpace(text))]
	return code, ok
}

// NormalizeBranch accepts either an alias or a bare branch code.
func NormalizeBranch(v string) (string, bool) {
	if code, ok := MatchBranch(v); ok {
		return code, true
	}
	upper := strings.ToUpper(strings.TrimSpace(v))
	for _, code := range branchAliases {
		if code == upper {
			return code, true
		}
	}
	return "", false
}

// IsCancel reports whether text is a cancellation word.
func IsCancel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, w := range CancelWords {
		if t == w {
			return true
		}
	}
	return false
}

// ParseAmount parses a positive decimal, ignoring thousands separators.
func ParseAmount(text string) (float64, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(text, ",", ""))
	if s == "" || strings.IndexFunc(s, notDecimal) >= 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// notDecimal rejects what ParseFloat would accept beyond plain decimals,
// such as hex floats and "Inf".
func notDecimal(r rune) bool {
	return !strings.ContainsRune("0123456789.+-eE", r)
}

// FormatAmount renders v with thousands separators and at most three decimals.
func FormatAmount(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
