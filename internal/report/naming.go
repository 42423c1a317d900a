package report

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileNames returns the primary and secondary file names for a report.
// Both carry a <month><year> stamp, e.g. dash-weekly-112025.csv.
func FileNames(t Type, dateRange string, now time.Time) (primary, secondary string) {
	prefix := t.Prefix()
	stamp := fmt.Sprintf("%d%d", int(now.Month()), now.Year())

	name := func(kind string) string {
		return fmt.Sprintf("%s-%s-%s.csv", prefix, kind, stamp)
	}

	switch strings.ToLower(dateRange) {
	case "this week":
		return name("weekly"), name("current-week")
	case "last week":
		return name("weekly"), name("previous-week")
	case "this month":
		return name("monthly"), name("current-month")
	case "last month":
		return name("monthly"), name("previous-month")
	case "this year", "ytd":
		return name("ytd"), name("yearly")
	default:
		weekday := strings.ToLower(now.Weekday().String())
		return name(weekday), name("daily")
	}
}

// Folder returns the directory a report for dateRange is stored in
func Folder(base, dateRange string) string {
	switch strings.ToLower(dateRange) {
	case "this week":
		return filepath.Join(base, "current-week")
	case "last week":
		return filepath.Join(base, "previous-week")
	case "this month":
		return filepath.Join(base, "current-month")
	case "last month":
		return filepath.Join(base, "previous-month")
	case "this year", "ytd":
		return filepath.Join(base, "ytd")
	default:
		return base
	}
}
