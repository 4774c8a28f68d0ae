// Package marketclock handles KRX market-hours awareness (C1).
//
// Design rules (from the teacher's internal/market/calendar.go, adapted
// from NSE/IST to KRX/KST):
//   - System must know if today is a trading day.
//   - System must know the precise market Status, not just open/closed.
//   - Use an injectable holiday calendar so tests run on a frozen clock.
package marketclock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kis-trend-atr/engine/internal/kst"
)

// KRX market-hours boundaries, KST (spec §4.1).
const (
	preOpenHour, preOpenMin     = 8, 30
	openHour, openMin           = 9, 0
	closeAuctionHour, closeAuctionMin = 15, 20
	closeHour, closeMin         = 15, 30
)

// Status is the market's current phase.
type Status string

const (
	StatusClosed          Status = "CLOSED"
	StatusPreOpenAuction   Status = "PRE_OPEN_AUCTION"
	StatusOpen             Status = "OPEN"
	StatusCloseAuction     Status = "CLOSE_AUCTION"
)

// HolidayEntry is a single exchange holiday.
type HolidayEntry struct {
	Date   string `json:"date"` // YYYY-MM-DD, KST
	Reason string `json:"reason"`
}

// Calendar provides KRX calendar and market-phase information. Holidays
// are injectable so every method is testable against a frozen Clock.
type Calendar struct {
	holidays map[string]string // date -> reason
}

// NewCalendar loads a Calendar from a JSON holiday file (array of
// HolidayEntry).
func NewCalendar(holidayFilePath string) (*Calendar, error) {
	data, err := os.ReadFile(holidayFilePath)
	if err != nil {
		return nil, fmt.Errorf("marketclock: read holidays file: %w", err)
	}
	var entries []HolidayEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("marketclock: parse holidays: %w", err)
	}
	holidays := make(map[string]string, len(entries))
	for _, e := range entries {
		holidays[e.Date] = e.Reason
	}
	return &Calendar{holidays: holidays}, nil
}

// NewCalendarFromHolidays builds a Calendar directly from a holiday map.
// Used by tests and by callers assembling the calendar from a database.
func NewCalendarFromHolidays(holidays map[string]string) *Calendar {
	if holidays == nil {
		holidays = map[string]string{}
	}
	return &Calendar{holidays: holidays}
}

// IsTradingDay reports whether date is a valid KRX trading day: a weekday
// that is not a configured holiday.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	d := date.In(kst.Location)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	_, isHoliday := c.holidays[kst.DateString(d)]
	return !isHoliday
}

// HolidayReason returns the reason for a holiday, or "" if not a holiday.
func (c *Calendar) HolidayReason(date time.Time) string {
	return c.holidays[kst.DateString(date)]
}

// Status returns the market's phase at instant, per spec §4.1's four
// windows: CLOSED, PRE_OPEN_AUCTION [08:30,09:00), OPEN [09:00,15:20),
// CLOSE_AUCTION [15:20,15:30).
func (c *Calendar) Status(instant time.Time) Status {
	t := instant.In(kst.Location)
	if !c.IsTradingDay(t) {
		return StatusClosed
	}

	minutes := t.Hour()*60 + t.Minute()
	preOpen := preOpenHour*60 + preOpenMin
	open := openHour*60 + openMin
	closeAuction := closeAuctionHour*60 + closeAuctionMin
	closeMarket := closeHour*60 + closeMin

	switch {
	case minutes >= preOpen && minutes < open:
		return StatusPreOpenAuction
	case minutes >= open && minutes < closeAuction:
		return StatusOpen
	case minutes >= closeAuction && minutes < closeMarket:
		return StatusCloseAuction
	default:
		return StatusClosed
	}
}

// Tradeable reports whether an order may be placed at instant, and why
// not when it cannot. Only OPEN is tradeable for ordinary orders; the
// caller (syncer) separately allows emergency SELL during CLOSE_AUCTION
// per spec §4.1's "entry orders never may" carve-out — Tradeable itself
// only describes the plain-order rule.
func (c *Calendar) Tradeable(instant time.Time) (bool, string) {
	status := c.Status(instant)
	if status == StatusOpen {
		return true, ""
	}
	if reason := c.HolidayReason(instant); reason != "" {
		return false, fmt.Sprintf("market closed: holiday (%s)", reason)
	}
	return false, fmt.Sprintf("market closed: status=%s", status)
}

// NextTradingDay returns the next trading day strictly after date.
func (c *Calendar) NextTradingDay(date time.Time) time.Time {
	candidate := date.In(kst.Location).AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// PreviousTradingDay returns the most recent trading day strictly before
// date.
func (c *Calendar) PreviousTradingDay(date time.Time) time.Time {
	candidate := date.In(kst.Location).AddDate(0, 0, -1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, -1)
	}
	return candidate
}

// TimeUntilNextOpen returns the duration until the next OPEN status,
// relative to now. Returns 0 if the market is currently OPEN.
func (c *Calendar) TimeUntilNextOpen(now time.Time) time.Duration {
	t := now.In(kst.Location)
	if c.Status(t) == StatusOpen {
		return 0
	}

	candidate := t
	for i := 0; i < 10; i++ {
		if i == 0 && c.IsTradingDay(candidate) {
			todayOpen := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				openHour, openMin, 0, 0, kst.Location)
			if t.Before(todayOpen) {
				return todayOpen.Sub(t)
			}
		}
		candidate = candidate.AddDate(0, 0, 1)
		if c.IsTradingDay(candidate) {
			nextOpen := time.Date(candidate.Year(), candidate.Month(), candidate.Day(),
				openHour, openMin, 0, 0, kst.Location)
			return nextOpen.Sub(t)
		}
	}
	return 24 * time.Hour
}
