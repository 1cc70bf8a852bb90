package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Time range tokens are what the extractor stores as the entity value. They
// are resolved to concrete bounds only when a query is bound, so extraction
// stays independent of the clock.
const (
	TokenToday     = "today"
	TokenYesterday = "yesterday"
	TokenThisWeek  = "this_week"
	TokenLastWeek  = "last_week"
	TokenThisMonth = "this_month"
	TokenLastMonth = "last_month"
	TokenThisYear  = "this_year"
	TokenLastYear  = "last_year"
)

type timePattern struct {
	re    *regexp.Regexp
	token func(m []string) (string, bool)
}

func fixed(token string) func([]string) (string, bool) {
	return func([]string) (string, bool) { return token, true }
}

func lastN(unit string) func([]string) (string, bool) {
	return func(m []string) (string, bool) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return "", false
		}
		return fmt.Sprintf("last_%d_%s", n, unit), true
	}
}

// timePatterns are tried in order; the first that yields a token wins.
// Absolute dates come first so "2024-03-05" is not read as a month.
var timePatterns = []timePattern{
	{regexp.MustCompile(`\b(\d{4}-\d{1,2}-\d{1,2})\b`), func(m []string) (string, bool) {
		d, err := time.Parse("2006-1-2", m[1])
		if err != nil {
			return "", false
		}
		return "date:" + d.Format("2006-01-02"), true
	}},
	{regexp.MustCompile(`\b(\d{4}-\d{1,2})\b`), func(m []string) (string, bool) {
		d, err := time.Parse("2006-1", m[1])
		if err != nil {
			return "", false
		}
		return "month:" + d.Format("2006-01"), true
	}},
	{regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+days?\b`), lastN("days")},
	{regexp.MustCompile(`(?:最近|近|过去)(\d{1,3})天`), lastN("days")},
	{regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+weeks?\b`), lastN("weeks")},
	{regexp.MustCompile(`(?:最近|近|过去)(\d{1,3})周`), lastN("weeks")},
	{regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+months?\b`), lastN("months")},
	{regexp.MustCompile(`(?:最近|近|过去)(\d{1,3})个?月`), lastN("months")},
	{regexp.MustCompile(`\btoday\b|今天|今日`), fixed(TokenToday)},
	{regexp.MustCompile(`\byesterday\b|昨天|昨日`), fixed(TokenYesterday)},
	{regexp.MustCompile(`\bthis\s+week\b|本周|这周`), fixed(TokenThisWeek)},
	{regexp.MustCompile(`\blast\s+week\b|上周`), fixed(TokenLastWeek)},
	{regexp.MustCompile(`\bthis\s+month\b|本月|这个月`), fixed(TokenThisMonth)},
	{regexp.MustCompile(`\blast\s+month\b|上个?月`), fixed(TokenLastMonth)},
	{regexp.MustCompile(`\bthis\s+year\b|今年`), fixed(TokenThisYear)},
	{regexp.MustCompile(`\blast\s+year\b|去年`), fixed(TokenLastYear)},
}

// matchTimeRange returns the token and the matched text of the first pattern found in text.
func matchTimeRange(text string) (token, term string, ok bool) {
	for _, p := range timePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if tok, ok := p.token(m); ok {
			return tok, m[0], true
		}
	}
	return "", "", false
}

// ResolveTimeRange turns a token into a half-open interval [from, to) in
// now's location. Relative "last N" windows include the current day.
func ResolveTimeRange(token string, now time.Time) (from, to time.Time, err error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tomorrow := day.AddDate(0, 0, 1)
	monday := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	year := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())

	switch token {
	case TokenToday:
		return day, tomorrow, nil
	case TokenYesterday:
		return day.AddDate(0, 0, -1), day, nil
	case TokenThisWeek:
		return monday, monday.AddDate(0, 0, 7), nil
	case TokenLastWeek:
		return monday.AddDate(0, 0, -7), monday, nil
	case TokenThisMonth:
		return month, month.AddDate(0, 1, 0), nil
	case TokenLastMonth:
		return month.AddDate(0, -1, 0), month, nil
	case TokenThisYear:
		return year, year.AddDate(1, 0, 0), nil
	case TokenLastYear:
		return year.AddDate(-1, 0, 0), year, nil
	}

	switch {
	case strings.HasPrefix(token, "date:"):
		d, perr := time.ParseInLocation("2006-01-02", strings.TrimPrefix(token, "date:"), now.Location())
		if perr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("time range %q: %w", token, perr)
		}
		return d, d.AddDate(0, 0, 1), nil
	case strings.HasPrefix(token, "month:"):
		d, perr := time.ParseInLocation("2006-01", strings.TrimPrefix(token, "month:"), now.Location())
		if perr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("time range %q: %w", token, perr)
		}
		return d, d.AddDate(0, 1, 0), nil
	case strings.HasPrefix(token, "last_"):
		var n int
		var unit string
		if _, serr := fmt.Sscanf(strings.ReplaceAll(token, "_", " "), "last %d %s", &n, &unit); serr != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("time range %q is not recognized", token)
		}
		switch unit {
		case "days":
			return day.AddDate(0, 0, -(n - 1)), tomorrow, nil
		case "weeks":
			return day.AddDate(0, 0, -(7*n - 1)), tomorrow, nil
		case "months":
			return day.AddDate(0, -n, 1), tomorrow, nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("time range %q is not recognized", token)
}
