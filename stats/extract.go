package stats

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMarker is the attribute that carries an explicit numeric value.
const DefaultMarker = "data-value"

var numberRe = regexp.MustCompile(`[-+]?\d[\d,]*(?:\.\d+)?|[-+]?\.\d+`)

// Extract returns the number an element represents. The marker attribute
// wins when it parses to a finite number; otherwise the first number found
// in text is used, ignoring currency symbols and thousands separators.
func Extract(attrs map[string]string, text, marker string) (float64, bool) {
	if marker == "" {
		marker = DefaultMarker
	}
	if raw, ok := attrs[marker]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true
		}
	}
	return ParseText(text)
}

// ParseText is the best-effort text parser used when no marker is present.
func ParseText(text string) (float64, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}
	m = strings.ReplaceAll(m, ",", "")
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
