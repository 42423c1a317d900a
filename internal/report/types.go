package report

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies one of the CRM report kinds
type Type string

const (
	TypeDashboard   Type = "dashboard"
	TypePipeline    Type = "pipeline"
	TypeSalesOrders Type = "sales-orders"
)

// Date range labels understood by the CRM report filters
const (
	RangeToday       = "Today"
	RangeYesterday   = "Yesterday"
	RangeThisWeek    = "This Week"
	RangeLastWeek    = "Last Week"
	RangeThisMonth   = "This Month"
	RangeLastMonth   = "Last Month"
	RangeThisQuarter = "This Quarter"
	RangeLastQuarter = "Last Quarter"
	RangeThisYear    = "This Year"
	RangeLastYear    = "Last Year"
)

var ErrUnknownReportType = errors.New("unknown report type")

// Types lists every report type in export order
var Types = []Type{TypeDashboard, TypePipeline, TypeSalesOrders}

// Spec names one unit of report work
type Spec struct {
	Type      Type   `json:"type" yaml:"type"`
	DateRange string `json:"dateRange" yaml:"date_range"`
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s", s.Type, s.DateRange)
}

// ParseType converts a user supplied name into a Type
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeDashboard:
		return TypeDashboard, nil
	case TypePipeline:
		return TypePipeline, nil
	case TypeSalesOrders, "sales", "sr":
		return TypeSalesOrders, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReportType, s)
}

// Prefix is the short file name prefix for the report type
func (t Type) Prefix() string {
	switch t {
	case TypeDashboard:
		return "dash"
	case TypePipeline:
		return "pipe"
	default:
		return "sr"
	}
}

// DisplayName is used for by-type remote folders
func (t Type) DisplayName() string {
	switch t {
	case TypeDashboard:
		return "Dashboard"
	case TypePipeline:
		return "Pipeline"
	default:
		return "Sales Rep"
	}
}

// IsPrevious reports whether a range label refers to a closed past period
func IsPrevious(dateRange string) bool {
	lower := strings.ToLower(dateRange)
	return strings.Contains(lower, "last") || strings.Contains(lower, "previous") || strings.Contains(lower, "prev")
}
