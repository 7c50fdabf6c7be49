package proxy

import (
	"regexp"
	"strconv"
	"strings"
)

// currencyRe matches a number immediately followed by a currency marker, the
// usual shape of the model's "Estimated: 1250 RUB" answers.
var currencyRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:руб(?:\.|лей|ля)?|rub|₽|\$|usd|eur|€)`)

// numberRe matches a standalone number; "10x10x10" dimension triples are
// excluded by the boundary checks around the match.
var numberRe = regexp.MustCompile(`(?:^|[^\dxX.,])(\d+(?:[.,]\d+)?)(?:$|[^\dxX.,])`)

// ExtractPrice pulls a numeric price estimate out of model answer text.
// Returns nil when the text contains no parseable number.
func ExtractPrice(answer string) *float64 {
	if m := currencyRe.FindStringSubmatch(answer); m != nil {
		return parsePrice(m[1])
	}
	if m := numberRe.FindStringSubmatch(answer); m != nil {
		return parsePrice(m[1])
	}
	return nil
}

func parsePrice(s string) *float64 {
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
