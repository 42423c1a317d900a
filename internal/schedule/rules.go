package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
)

// Preset names accepted by Preset
const (
	PresetDaily    = "daily"
	PresetWeekly   = "weekly"
	PresetMonthly  = "monthly"
	PresetFriday   = "friday"
	PresetAll      = "all"
	PresetSRDaily  = "sr-daily"
	PresetSRWeekly = "sr-weekly"
	PresetSRFriday = "sr-friday"
)

// fridayRanges are the periods covered by the end of week run, in export order
var fridayRanges = []string{
	report.RangeToday,
	report.RangeThisWeek,
	report.RangeLastWeek,
	report.RangeThisMonth,
	report.RangeLastMonth,
	report.RangeThisYear,
}

// forEachType returns one spec per report type for each range, grouped by range
func forEachType(ranges ...string) []report.Spec {
	specs := make([]report.Spec, 0, len(ranges)*len(report.Types))
	for _, r := range ranges {
		for _, t := range report.Types {
			specs = append(specs, report.Spec{Type: t, DateRange: r})
		}
	}
	return specs
}

// forEachRange returns one spec per range for a single report type
func forEachRange(typ report.Type, ranges ...string) []report.Spec {
	specs := make([]report.Spec, 0, len(ranges))
	for _, r := range ranges {
		specs = append(specs, report.Spec{Type: typ, DateRange: r})
	}
	return specs
}

// Daily is the set run on ordinary weekdays
func Daily() []report.Spec {
	return forEachType(report.RangeToday)
}

// Weekly covers the current week for every type
func Weekly() []report.Spec {
	return forEachType(report.RangeThisWeek)
}

// Monthly is the daily set followed by the current and previous month of each type
func Monthly() []report.Spec {
	specs := Daily()
	for _, t := range report.Types {
		specs = append(specs, forEachRange(t, report.RangeThisMonth, report.RangeLastMonth)...)
	}
	return specs
}

// Friday is the full end of week run
func Friday() []report.Spec {
	return forEachType(fridayRanges...)
}

// ForDay returns the report set scheduled for a weekday
func ForDay(day time.Weekday) []report.Spec {
	switch day {
	case time.Wednesday:
		return Monthly()
	case time.Friday:
		return Friday()
	default:
		return Daily()
	}
}

var presets = map[string]func() []report.Spec{
	PresetDaily:    Daily,
	PresetWeekly:   Weekly,
	PresetMonthly:  Monthly,
	PresetFriday:   Friday,
	PresetAll:      Friday,
	PresetSRDaily:  func() []report.Spec { return forEachRange(report.TypeSalesOrders, report.RangeToday) },
	PresetSRWeekly: func() []report.Spec { return forEachRange(report.TypeSalesOrders, report.RangeThisWeek) },
	PresetSRFriday: func() []report.Spec { return forEachRange(report.TypeSalesOrders, fridayRanges...) },
}

// Preset returns the report set registered under name
func Preset(name string) ([]report.Spec, error) {
	fn, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return fn(), nil
}

// PresetNames lists the registered presets in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
