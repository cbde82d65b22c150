// Package calendar exposes the holiday-calendar collaborator. The core only
// ever asks one question of it.
package calendar

import "time"

// TradingCalendar answers whether a date is a trading day on an exchange.
// The real calendar lives outside this core; it is consumed read-only.
type TradingCalendar interface {
	IsTradingDay(date time.Time, exchangeCode string) bool
}

// Weekdays is the fallback calendar: every weekday is a trading day. Good
// enough for tests and for environments without a holiday feed.
type Weekdays struct{}

func (Weekdays) IsTradingDay(date time.Time, _ string) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}
