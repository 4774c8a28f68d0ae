package marketclock

import (
	"testing"
	"time"

	"github.com/kis-trend-atr/engine/internal/kst"
)

func mustKST(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tt, err := time.ParseInLocation(layout, value, kst.Location)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return tt
}

func TestStatusWindows(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)

	cases := []struct {
		at   string
		want Status
	}{
		{"2026-07-27 08:00", StatusClosed},          // Monday, before pre-open
		{"2026-07-27 08:30", StatusPreOpenAuction},
		{"2026-07-27 08:59", StatusPreOpenAuction},
		{"2026-07-27 09:00", StatusOpen},
		{"2026-07-27 12:00", StatusOpen},
		{"2026-07-27 15:19", StatusOpen},
		{"2026-07-27 15:20", StatusCloseAuction},
		{"2026-07-27 15:29", StatusCloseAuction},
		{"2026-07-27 15:30", StatusClosed},
	}
	for _, c := range cases {
		at := mustKST(t, "2006-01-02 15:04", c.at)
		if got := cal.Status(at); got != c.want {
			t.Errorf("Status(%s) = %s, want %s", c.at, got, c.want)
		}
	}
}

func TestStatusWeekendClosed(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)
	saturday := mustKST(t, "2006-01-02 15:04", "2026-08-01 10:00")
	if got := cal.Status(saturday); got != StatusClosed {
		t.Errorf("expected weekend CLOSED, got %s", got)
	}
}

func TestStatusHolidayClosed(t *testing.T) {
	cal := NewCalendarFromHolidays(map[string]string{
		"2026-07-27": "test holiday",
	})
	at := mustKST(t, "2006-01-02 15:04", "2026-07-27 10:00")
	if got := cal.Status(at); got != StatusClosed {
		t.Errorf("expected holiday CLOSED, got %s", got)
	}
	if reason := cal.HolidayReason(at); reason != "test holiday" {
		t.Errorf("expected holiday reason, got %q", reason)
	}
}

func TestTradeableOnlyDuringOpen(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)

	open := mustKST(t, "2006-01-02 15:04", "2026-07-27 10:00")
	if ok, reason := cal.Tradeable(open); !ok {
		t.Errorf("expected tradeable during OPEN, got reason=%q", reason)
	}

	closeAuction := mustKST(t, "2006-01-02 15:04", "2026-07-27 15:25")
	if ok, _ := cal.Tradeable(closeAuction); ok {
		t.Error("expected not tradeable during CLOSE_AUCTION for plain orders")
	}

	preOpen := mustKST(t, "2006-01-02 15:04", "2026-07-27 08:45")
	if ok, _ := cal.Tradeable(preOpen); ok {
		t.Error("expected not tradeable during PRE_OPEN_AUCTION")
	}
}

func TestIsTradingDay(t *testing.T) {
	cal := NewCalendarFromHolidays(map[string]string{
		"2026-07-28": "national holiday",
	})
	monday := mustKST(t, "2006-01-02 15:04", "2026-07-27 00:00")
	if !cal.IsTradingDay(monday) {
		t.Error("expected Monday to be a trading day")
	}
	tuesdayHoliday := mustKST(t, "2006-01-02 15:04", "2026-07-28 00:00")
	if cal.IsTradingDay(tuesdayHoliday) {
		t.Error("expected holiday to not be a trading day")
	}
	saturday := mustKST(t, "2006-01-02 15:04", "2026-08-01 00:00")
	if cal.IsTradingDay(saturday) {
		t.Error("expected Saturday to not be a trading day")
	}
}

func TestNextAndPreviousTradingDay(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)
	friday := mustKST(t, "2006-01-02 15:04", "2026-07-31 00:00")

	next := cal.NextTradingDay(friday)
	if next.Weekday() != time.Monday {
		t.Errorf("expected next trading day after Friday to be Monday, got %s", next.Weekday())
	}

	monday := mustKST(t, "2006-01-02 15:04", "2026-08-03 00:00")
	prev := cal.PreviousTradingDay(monday)
	if prev.Weekday() != time.Friday {
		t.Errorf("expected previous trading day before Monday to be Friday, got %s", prev.Weekday())
	}
}

func TestTimeUntilNextOpenDuringMarketHours(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)
	now := mustKST(t, "2006-01-02 15:04", "2026-07-27 10:00")
	if d := cal.TimeUntilNextOpen(now); d != 0 {
		t.Errorf("expected 0 duration while market OPEN, got %s", d)
	}
}

func TestTimeUntilNextOpenBeforeOpen(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)
	now := mustKST(t, "2006-01-02 15:04", "2026-07-27 07:00")
	want := 2 * time.Hour
	if d := cal.TimeUntilNextOpen(now); d != want {
		t.Errorf("expected %s until open, got %s", want, d)
	}
}

func TestTimeUntilNextOpenAfterCloseRollsToNextDay(t *testing.T) {
	cal := NewCalendarFromHolidays(nil)
	now := mustKST(t, "2006-01-02 15:04", "2026-07-31 16:00") // Friday, after close
	d := cal.TimeUntilNextOpen(now)
	if d <= 0 || d > 72*time.Hour {
		t.Errorf("expected a positive duration into the weekend gap, got %s", d)
	}
}
