package lmstudio

import (
	"regexp"
	"strings"
)

// Sellers in this niche quote prices in a rigid multi-line label format:
//
//	casino
//	price
//	usd
//	450
//
// or the same without the leading "casino" line. RE2 has no lookbehind, so
// instead of excluding casino-prefixed matches from the standard pattern we
// capture the optional prefix and dispatch on it: one scan, first match of
// each flavor wins. The \s* separators keep blank lines (and CRLF) between
// labels from breaking the match, or worse, detaching the casino label so
// its price reads as standard.
var priceBlockRe = regexp.MustCompile(`(casino\s*\n\s*)?price\s*\n\s*usd\s*\n\s*(\d+)`)

// ExtractPrices scans raw email text for the label format above and returns
// (standard, casino) prices as digit strings, empty when not found. This is
// a cheap pre-pass over the model call; when it hits, its values take
// precedence over whatever the model extracts.
func ExtractPrices(text string) (priceUSD, priceUSDCasino string) {
	for _, m := range priceBlockRe.FindAllStringSubmatch(strings.ToLower(text), -1) {
		if m[1] != "" {
			if priceUSDCasino == "" {
				priceUSDCasino = m[2]
			}
		} else if priceUSD == "" {
			priceUSD = m[2]
		}
		if priceUSD != "" && priceUSDCasino != "" {
			break
		}
	}
	return priceUSD, priceUSDCasino
}
