package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// settleCutoff is when a session's extended-hours data is complete.
const settleCutoff = 20*time.Hour + 5*time.Minute

// LatestFinishedTradingDay returns the most recent trading day, at or before
// now, whose session and extended-hours data have settled. It asks the
// Alpaca trading calendar.
func LatestFinishedTradingDay(apiKey, apiSecret, baseURL string, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})

	now = now.In(et)
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -10),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	return latestSettled(days, now)
}

func latestSettled(days []alpaca.CalendarDay, now time.Time) (time.Time, error) {
	for i := len(days) - 1; i >= 0; i-- {
		day, err := time.ParseInLocation(time.DateOnly, days[i].Date, now.Location())
		if err != nil || day.After(now) {
			continue
		}
		if now.Sub(day) >= settleCutoff {
			return day, nil
		}
	}
	return time.Time{}, fmt.Errorf("no settled trading day before %s", now.Format(time.DateOnly))
}
