package moderation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"joingate/tools/errs"
)

// MaxDuration caps mute lengths.
const MaxDuration = 366 * 24 * time.Hour

var durationRe = regexp.MustCompile(`^(\d+)([smhdSMHD])$`)

// LooksLikeDuration reports whether token has the Ns|Nm|Nh|Nd shape.
func LooksLikeDuration(token string) bool { return durationRe.MatchString(token) }

// ParseDuration parses Ns, Nm, Nh or Nd up to MaxDuration.
func ParseDuration(token string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(token)
	if m == nil {
		return 0, errs.ErrArgs.WrapMsg("invalid duration format, use e.g. 10m, 2h or 1d", "value", token)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errs.ErrArgs.WrapMsg("duration too long, at most 366 days", "value", token)
	}
	if n <= 0 {
		return 0, errs.ErrArgs.WrapMsg("duration must be greater than 0", "value", token)
	}
	var unit time.Duration
	switch strings.ToLower(m[2]) {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	default:
		unit = 24 * time.Hour
	}
	if n > int64(MaxDuration/unit) {
		return 0, errs.ErrArgs.WrapMsg("duration too long, at most 366 days", "value", token)
	}
	return time.Duration(n) * unit, nil
}

// FormatDuration renders the largest whole unit, e.g. 90m -> "1h".
func FormatDuration(d time.Duration) string {
	s := int64(d / time.Second)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm", s/60)
	case s < 86400:
		return fmt.Sprintf("%dh", s/3600)
	}
	return fmt.Sprintf("%dd", s/86400)
}
