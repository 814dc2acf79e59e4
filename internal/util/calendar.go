package util

import (
	"time"

	"github.com/scmhub/calendar"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// session is a trading window expressed as offsets from local midnight.
type session struct {
	open  time.Duration
	close time.Duration
}

func (s session) contains(offset time.Duration) bool {
	return offset >= s.open && offset < s.close
}

type marketHours struct {
	mic      string
	zone     string
	regular  session
	extended session
}

var hoursByMarket = map[domain.Market]marketHours{
	domain.MarketUS: {
		mic:      "xnys",
		zone:     "America/New_York",
		regular:  session{open: 9*time.Hour + 30*time.Minute, close: 16 * time.Hour},
		extended: session{open: 4 * time.Hour, close: 20 * time.Hour},
	},
	domain.MarketCN: {
		mic:      "xshg",
		zone:     "Asia/Shanghai",
		regular:  session{open: 9*time.Hour + 30*time.Minute, close: 15 * time.Hour},
		extended: session{open: 9*time.Hour + 30*time.Minute, close: 15 * time.Hour},
	},
	domain.MarketFX: {
		zone:     "America/New_York",
		regular:  session{open: 0, close: 24 * time.Hour},
		extended: session{open: 0, close: 24 * time.Hour},
	},
}

// TradingCalendar provides market-hours awareness for a specific market.
// Holidays come from scmhub/calendar; when the library has no calendar for
// the market's MIC every weekday is a trading day.
type TradingCalendar struct {
	market domain.Market
	hours  marketHours
	cal    *calendar.Calendar
	loc    *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given market. Unknown
// markets get US hours.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	hours, ok := hoursByMarket[market]
	if !ok {
		hours = hoursByMarket[domain.MarketUS]
	}

	tc := &TradingCalendar{market: market, hours: hours}
	if hours.mic != "" {
		tc.cal = calendar.GetCalendar(hours.mic)
	}
	if tc.cal != nil && tc.cal.Loc != nil {
		tc.loc = tc.cal.Loc
	} else if loc, err := time.LoadLocation(hours.zone); err == nil {
		tc.loc = loc
	} else {
		tc.loc = time.UTC
	}
	return tc
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// DateIsOpen reports whether the calendar date of date is a trading day. The
// year, month and day are taken as given, without time zone conversion.
func (tc *TradingCalendar) DateIsOpen(date time.Time) bool {
	d := time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, tc.loc)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	if tc.cal == nil {
		return true
	}
	return tc.cal.IsBusinessDay(d)
}

// DateTimeIsOpen reports whether the regular session is open at t.
func (tc *TradingCalendar) DateTimeIsOpen(t time.Time) bool {
	lt := t.In(tc.loc)
	if !tc.DateIsOpen(lt) {
		return false
	}
	if tc.cal != nil {
		return tc.cal.IsOpen(lt)
	}
	return tc.hours.regular.contains(sinceMidnight(lt))
}

// DateTimeIsExtendedOpen reports whether the extended session, pre-market
// through after-hours, is open at t.
func (tc *TradingCalendar) DateTimeIsExtendedOpen(t time.Time) bool {
	lt := t.In(tc.loc)
	if !tc.DateIsOpen(lt) {
		return false
	}
	return tc.hours.extended.contains(sinceMidnight(lt))
}

// TimeOfDayClosed reports whether the time of day of t falls outside the
// regular session, regardless of the date.
func (tc *TradingCalendar) TimeOfDayClosed(t time.Time) bool {
	return !tc.hours.regular.contains(sinceMidnight(t.In(tc.loc)))
}

// MarketClose returns the session close on the calendar date of date.
func (tc *TradingCalendar) MarketClose(date time.Time, extended bool) time.Time {
	s := tc.hours.regular
	if extended {
		s = tc.hours.extended
	}
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, tc.loc)
	return midnight.Add(s.close)
}

// MarketOpen returns the session open on the calendar date of date.
func (tc *TradingCalendar) MarketOpen(date time.Time, extended bool) time.Time {
	s := tc.hours.regular
	if extended {
		s = tc.hours.extended
	}
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, tc.loc)
	return midnight.Add(s.open)
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}
