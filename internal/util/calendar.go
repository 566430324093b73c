package util

import (
	"time"

	"divetrader/internal/domain"
)

// TradingCalendar provides market-hours awareness for a specific market.
// US equities follow the NYSE session and full-day holiday rules unless an
// explicit set of trading days was loaded; crypto trades around the clock.
type TradingCalendar struct {
	market   domain.Market
	loc      *time.Location
	explicit map[string]bool // date -> open; nil means rule-based
}

// NewTradingCalendar creates a rule-based TradingCalendar for the given
// market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{
		market: market,
		loc:    newYork(),
	}
}

// NewTradingCalendarFromDays creates a calendar whose open days inside
// [from, to] are exactly days. Dates outside the range fall back to the
// rules.
func NewTradingCalendarFromDays(market domain.Market, days []time.Time, from, to time.Time) *TradingCalendar {
	tc := NewTradingCalendar(market)
	tc.explicit = make(map[string]bool)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		tc.explicit[d.Format("2006-01-02")] = false
	}
	for _, d := range days {
		tc.explicit[d.Format("2006-01-02")] = true
	}
	return tc
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market {
	return tc.market
}

// IsTradingDay reports whether the market has a session on t's date.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	if tc.market == domain.MarketCrypto {
		return true
	}
	key := t.Format("2006-01-02")
	if open, ok := tc.explicit[key]; ok {
		return open
	}
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !IsNYSEHoliday(t)
}

// IsMarketOpen returns whether the market is open at time t. US sessions run
// 9:30-16:00 America/New_York.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if tc.market == domain.MarketCrypto {
		return true
	}
	et := t.In(tc.loc)
	if !tc.IsTradingDay(et) {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, tc.loc)
	closing := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, tc.loc)
	return !et.Before(open) && et.Before(closing)
}

// SessionDate returns the YYYY-MM-DD trading date of t: the New York date
// for US equities, the UTC date for crypto.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	if tc.market == domain.MarketCrypto {
		return t.UTC().Format("2006-01-02")
	}
	return t.In(tc.loc).Format("2006-01-02")
}

// NextTradingDay returns the first trading day strictly after t's date.
func (tc *TradingCalendar) NextTradingDay(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
	for i := 0; i < 14 && !tc.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// IsNYSEHoliday reports whether t's date is a full-day NYSE holiday,
// including weekend observance shifts.
func IsNYSEHoliday(t time.Time) bool {
	y, m, d := t.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, h := range nyseHolidays(y) {
		if h.Equal(date) {
			return true
		}
	}
	return false
}

func nyseHolidays(y int) []time.Time {
	hs := []time.Time{
		observed(time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)),
		nthWeekday(y, time.January, time.Monday, 3),
		nthWeekday(y, time.February, time.Monday, 3),
		easter(y).AddDate(0, 0, -2),
		lastWeekday(y, time.May, time.Monday),
		observed(time.Date(y, time.July, 4, 0, 0, 0, 0, time.UTC)),
		nthWeekday(y, time.September, time.Monday, 1),
		nthWeekday(y, time.November, time.Thursday, 4),
		observed(time.Date(y, time.December, 25, 0, 0, 0, 0, time.UTC)),
	}
	if y >= 2022 {
		hs = append(hs, observed(time.Date(y, time.June, 19, 0, 0, 0, 0, time.UTC)))
	}
	return hs
}

// observed shifts Saturday holidays to Friday and Sunday holidays to Monday.
// New Year's Day on a Saturday is not observed in the prior year.
func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		if d.Month() == time.January && d.Day() == 1 {
			return d
		}
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(y int, m time.Month, wd time.Weekday, n int) time.Time {
	d := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(y int, m time.Month, wd time.Weekday) time.Time {
	d := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// easter returns Easter Sunday (anonymous Gregorian algorithm).
func easter(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}
