package marketdata

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// CalendarAPI is the subset of *alpaca.Client used to load trading days.
type CalendarAPI interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewCalendarClient returns an Alpaca trading client suitable for
// AlpacaCalendar.
func NewCalendarClient(cfg config.Alpaca) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
}

// AlpacaCalendar builds a trading calendar whose open days in [from, to] are
// the ones Alpaca reports, which covers early closes and ad-hoc closures the
// rule-based calendar misses. Crypto never consults the API.
func AlpacaCalendar(api CalendarAPI, market domain.Market, from, to time.Time) (*util.TradingCalendar, error) {
	if market == domain.MarketCrypto {
		return util.NewTradingCalendar(market), nil
	}
	days, err := api.GetCalendar(alpaca.GetCalendarRequest{
		Start: from,
		End:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days between %s and %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	open := make([]time.Time, 0, len(days))
	for _, d := range days {
		t, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing calendar date %q: %w", d.Date, err)
		}
		open = append(open, t)
	}
	fromDay := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toDay := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return util.NewTradingCalendarFromDays(market, open, fromDay, toDay), nil
}
