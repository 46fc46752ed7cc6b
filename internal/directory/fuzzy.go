package directory

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

var (
	parenthesised = regexp.MustCompile(`\([^)]*\)`)
	nonAlnum      = regexp.MustCompile(`[^A-Z0-9 ]+`)
)

// legal-entity and filler words collapsed to one spelling before scoring
var canonicalTokens = map[string]string{
	"LIMITED":     "LTD",
	"INDUSTRIES":  "IND",
	"INDUSTRY":    "IND",
	"INDS":        "IND",
	"CORPORATION": "CORP",
	"COMPANY":     "CO",
	"PRIVATE":     "PVT",
}

// Normalize prepares a company name for comparison: uppercase, no
// parenthesised suffixes, no punctuation, canonical legal suffixes, single
// spaces.
func Normalize(name string) string {
	s := strings.ToUpper(name)
	s = parenthesised.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&", " AND ")
	s = nonAlnum.ReplaceAllString(s, " ")
	fields := strings.Fields(s)
	for i, f := range fields {
		if c, ok := canonicalTokens[f]; ok {
			fields[i] = c
		}
	}
	return strings.Join(fields, " ")
}

// Score is the best of the four similarity measures on already normalized
// inputs, 0 to 100.
func Score(a, b string) int {
	best := ratio(a, b)
	for _, f := range []func(string, string) int{partialRatio, tokenSortRatio, tokenSetRatio} {
		if best == 100 {
			break
		}
		if s := f(a, b); s > best {
			best = s
		}
	}
	return best
}

func ratio(a, b string) int {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 && lb == 0 {
		return 100
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * (1 - float64(d)/float64(longest))))
}

// partialRatio slides the shorter string across the longer one and keeps the
// best window.
func partialRatio(a, b string) int {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	if len(short) == len(long) {
		return ratio(a, b)
	}
	s := string(short)
	best := 0
	for i := 0; i+len(short) <= len(long); i++ {
		if r := ratio(s, string(long[i:i+len(short)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func tokenSortRatio(a, b string) int {
	return ratio(sortedTokens(strings.Fields(a)), sortedTokens(strings.Fields(b)))
}

func tokenSetRatio(a, b string) int {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var inter, onlyA, onlyB []string
	for t := range ta {
		if tb[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if !ta[t] {
			onlyB = append(onlyB, t)
		}
	}
	base := sortedTokens(inter)
	withA := strings.TrimSpace(base + " " + sortedTokens(onlyA))
	withB := strings.TrimSpace(base + " " + sortedTokens(onlyB))

	best := ratio(withA, withB)
	if base != "" {
		if r := ratio(base, withA); r > best {
			best = r
		}
		if r := ratio(base, withB); r > best {
			best = r
		}
	}
	return best
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(s) {
		out[f] = true
	}
	return out
}

func sortedTokens(tokens []string) string {
	cp := append([]string(nil), tokens...)
	sort.Strings(cp)
	return strings.Join(cp, " ")
}
