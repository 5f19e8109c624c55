package captcha

import (
	"fmt"
	"strconv"
	"strings"
)

var optionLabels = []string{"A", "B", "C", "D"}

// Label returns the button label for the 1-based option n.
func Label(n int) string {
	if n >= 1 && n <= len(optionLabels) {
		return optionLabels[n-1]
	}
	return strconv.Itoa(n)
}

// FormatOption renders "A) 🍎 🍌 ..." for button use.
func FormatOption(o Option, n int) string {
	return fmt.Sprintf("%s) %s", Label(n), o.Text())
}

// FormatOptionsText renders the numbered listing used once text mode is on.
func FormatOptionsText(options []Option) string {
	lines := make([]string, len(options))
	for i, o := range options {
		lines[i] = fmt.Sprintf("%d) %s", i+1, o.Text())
	}
	return strings.Join(lines, "\n")
}

// ParseTextChoice maps a typed reply to a 1-based option: the first character
// of the trimmed upper-cased input must be 1..4 or A..D.
func ParseTextChoice(text string) (int, bool) {
	t := strings.ToUpper(strings.TrimSpace(text))
	if t == "" {
		return 0, false
	}
	switch c := t[0]; {
	case c >= '1' && c <= '4':
		return int(c-'1') + 1, true
	case c >= 'A' && c <= 'D':
		return int(c-'A') + 1, true
	}
	return 0, false
}
