package datafile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// ErrMalformed wraps every line parse failure.
var ErrMalformed = errors.New("malformed record")

// ParseLine decodes one CSV line of cfg's archive for date. The returned
// point carries the subscription's symbol.
func ParseLine(cfg *domain.SubscriptionConfig, date time.Time, loc *time.Location, line string) (domain.DataPoint, error) {
	fields := strings.Split(line, ",")
	ts, err := parseTime(cfg.Resolution, date, loc, fields[0])
	if err != nil {
		return domain.DataPoint{}, err
	}
	nums := parseFloats(fields[1:])

	switch cfg.DataKind() {
	case domain.KindCustom:
		if len(nums) < 1 {
			return domain.DataPoint{}, fmt.Errorf("%w: custom record needs a value: %q", ErrMalformed, line)
		}
		return domain.NewCustomPoint(cfg.Symbol, ts, nums[0], nil), nil

	case domain.KindTick:
		if cfg.SecurityType == domain.SecurityTypeForex {
			if len(nums) < 2 {
				return domain.DataPoint{}, fmt.Errorf("%w: quote tick needs bid,ask: %q", ErrMalformed, line)
			}
			return domain.NewTickPoint(domain.Tick{
				Symbol: cfg.Symbol, Timestamp: ts,
				BidPrice: nums[0], AskPrice: nums[1], Price: (nums[0] + nums[1]) / 2,
			}), nil
		}
		if len(nums) < 2 {
			return domain.DataPoint{}, fmt.Errorf("%w: trade tick needs price,quantity: %q", ErrMalformed, line)
		}
		tick := domain.Tick{Symbol: cfg.Symbol, Timestamp: ts, Price: nums[0], Quantity: nums[1]}
		// optional trailing columns are text, not numbers
		if len(fields) > 3 {
			tick.Exchange = strings.TrimSpace(fields[3])
		}
		if len(fields) > 4 {
			tick.Suspicious = strings.TrimSpace(fields[4]) == "1"
		}
		return domain.NewTickPoint(tick), nil

	default:
		if len(nums) < 4 {
			return domain.DataPoint{}, fmt.Errorf("%w: bar needs open,high,low,close: %q", ErrMalformed, line)
		}
		bar := domain.Bar{
			Symbol: cfg.Symbol, Timestamp: ts,
			Open: nums[0], High: nums[1], Low: nums[2], Close: nums[3],
		}
		if len(nums) > 4 {
			bar.Volume = int64(nums[4])
		}
		return domain.NewBarPoint(bar), nil
	}
}

// FormatLine encodes p in the line format of cfg's archives.
func FormatLine(cfg *domain.SubscriptionConfig, loc *time.Location, p domain.DataPoint) string {
	ts := formatTime(cfg.Resolution, loc, p.Time)
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

	switch p.Kind {
	case domain.KindCustom:
		return ts + "," + f(p.Value)
	case domain.KindTick:
		if cfg.SecurityType == domain.SecurityTypeForex {
			return ts + "," + f(p.Tick.BidPrice) + "," + f(p.Tick.AskPrice)
		}
		line := ts + "," + f(p.Tick.Price) + "," + f(p.Tick.Quantity)
		if p.Tick.Exchange != "" || p.Tick.Suspicious {
			suspicious := "0"
			if p.Tick.Suspicious {
				suspicious = "1"
			}
			line += "," + p.Tick.Exchange + "," + suspicious
		}
		return line
	default:
		b := p.Bar
		line := ts + "," + f(b.Open) + "," + f(b.High) + "," + f(b.Low) + "," + f(b.Close)
		if cfg.SecurityType != domain.SecurityTypeForex {
			line += "," + strconv.FormatInt(b.Volume, 10)
		}
		return line
	}
}

func parseTime(res domain.Resolution, date time.Time, loc *time.Location, field string) (time.Time, error) {
	field = strings.TrimSpace(field)
	if res == domain.ResolutionDaily {
		ts, err := time.ParseInLocation(dailyLayout, field, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: daily time %q", ErrMalformed, field)
		}
		return ts, nil
	}
	ms, err := strconv.ParseInt(field, 10, 64)
	if err != nil || ms < 0 || ms >= int64(24*time.Hour/time.Millisecond) {
		return time.Time{}, fmt.Errorf("%w: time of day %q", ErrMalformed, field)
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	ns := int(d % time.Second)
	return time.Date(date.Year(), date.Month(), date.Day(), h, m, s, ns, loc), nil
}

func formatTime(res domain.Resolution, loc *time.Location, t time.Time) string {
	lt := t.In(loc)
	if res == domain.ResolutionDaily {
		return lt.Format(dailyLayout)
	}
	h, m, s := lt.Clock()
	ms := int64(h)*3_600_000 + int64(m)*60_000 + int64(s)*1000 + int64(lt.Nanosecond())/1_000_000
	return strconv.FormatInt(ms, 10)
}

// parseFloats parses the leading numeric columns; the first non-numeric
// column ends the prefix.
func parseFloats(fields []string) []float64 {
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out
}
