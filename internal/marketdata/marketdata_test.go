package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"divetrader/internal/domain"
	"divetrader/internal/util"
)

type fakeBarsAPI struct {
	calls      int
	failFirst  int
	stockReq   alpacamd.GetBarsRequest
	cryptoSeen bool
}

func (f *fakeBarsAPI) GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("503 service unavailable")
	}
	f.stockReq = req
	ts := req.Start.Add(time.Minute)
	return []alpacamd.Bar{{Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1200, TradeCount: 7, VWAP: 1.4}}, nil
}

func (f *fakeBarsAPI) GetCryptoBars(symbol string, req alpacamd.GetCryptoBarsRequest) ([]alpacamd.CryptoBar, error) {
	f.calls++
	f.cryptoSeen = true
	return []alpacamd.CryptoBar{{Timestamp: req.Start, Close: 60000, Volume: 0.25}}, nil
}

func newTestSource(api barsAPI) *AlpacaSource {
	s := newAlpacaSource(api, "sip", util.NewBurstRateLimiter(6000, 100))
	s.retryDelay = time.Millisecond
	return s
}

func TestAlpacaSourceStockBars(t *testing.T) {
	api := &fakeBarsAPI{failFirst: 1}
	src := newTestSource(api)
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

	bars, err := src.GetBars(context.Background(), "aapl", start, start.Add(time.Hour), 5*time.Minute)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if api.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", api.calls)
	}
	if api.stockReq.Feed != "sip" {
		t.Errorf("feed = %q, want sip", api.stockReq.Feed)
	}
	if len(bars) != 1 {
		t.Fatalf("len(bars) = %d, want 1", len(bars))
	}
	b := bars[0]
	if b.Symbol != "AAPL" || b.Volume != 1200 || b.TradeCount != 7 {
		t.Errorf("bar = %+v", b)
	}
}

func TestAlpacaSourceCryptoRoute(t *testing.T) {
	api := &fakeBarsAPI{}
	src := newTestSource(api)
	bars, err := src.GetBars(context.Background(), "BTC/USD", time.Now(), time.Now(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !api.cryptoSeen {
		t.Error("crypto symbol did not use the crypto endpoint")
	}
	if len(bars) != 1 || bars[0].Volume != 0.25 {
		t.Errorf("bars = %+v", bars)
	}
}

func TestTimeFrameFor(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want alpacamd.TimeFrame
	}{
		{time.Minute, alpacamd.NewTimeFrame(1, alpacamd.Min)},
		{15 * time.Minute, alpacamd.NewTimeFrame(15, alpacamd.Min)},
		{4 * time.Hour, alpacamd.NewTimeFrame(4, alpacamd.Hour)},
		{24 * time.Hour, alpacamd.NewTimeFrame(1, alpacamd.Day)},
	}
	for _, tt := range tests {
		got, err := TimeFrameFor(tt.in)
		if err != nil {
			t.Errorf("TimeFrameFor(%s): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("TimeFrameFor(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []time.Duration{0, 90 * time.Second} {
		if _, err := TimeFrameFor(bad); err == nil {
			t.Errorf("TimeFrameFor(%s): expected error", bad)
		}
	}
}

type staticSource struct {
	bars []domain.Bar
	err  error
}

func (s staticSource) GetBars(context.Context, string, time.Time, time.Time, time.Duration) ([]domain.Bar, error) {
	return s.bars, s.err
}

func TestChain(t *testing.T) {
	want := []domain.Bar{{Symbol: "SPY", Close: 500}}
	c := Chain{staticSource{}, staticSource{err: errors.New("boom")}, staticSource{bars: want}}
	got, err := c.GetBars(context.Background(), "SPY", time.Time{}, time.Time{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 500 {
		t.Errorf("Chain = %+v, want %+v", got, want)
	}

	_, err = Chain{staticSource{}, staticSource{err: errors.New("boom")}}.GetBars(context.Background(), "SPY", time.Time{}, time.Time{}, time.Minute)
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Errorf("empty chain error = %v, want ErrDataUnavailable", err)
	}
}

func TestSortBars(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "MSFT", Timestamp: t0.Add(time.Minute)},
		{Symbol: "MSFT", Timestamp: t0},
		{Symbol: "AAPL", Timestamp: t0.Add(time.Minute)},
		{Symbol: "AAPL", Timestamp: t0},
	}
	SortBars(bars)
	want := []string{"AAPL", "MSFT", "AAPL", "MSFT"}
	for i, b := range bars {
		if b.Symbol != want[i] {
			t.Errorf("bars[%d] = %s, want %s", i, b.Symbol, want[i])
		}
	}
	if !bars[0].Timestamp.Equal(t0) || !bars[3].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Error("bars not ordered by timestamp")
	}
}

type fakeCalendar struct {
	days []alpaca.CalendarDay
}

func (f fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, nil
}

func TestAlpacaCalendar(t *testing.T) {
	// 2024-11-29 is an early close, 2024-11-28 Thanksgiving.
	api := fakeCalendar{days: []alpaca.CalendarDay{{Date: "2024-11-27"}, {Date: "2024-11-29"}}}
	from := time.Date(2024, 11, 27, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 11, 29, 0, 0, 0, 0, time.UTC)

	cal, err := AlpacaCalendar(api, domain.MarketUS, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if !cal.IsTradingDay(from) {
		t.Error("2024-11-27 should be a trading day")
	}
	if cal.IsTradingDay(from.AddDate(0, 0, 1)) {
		t.Error("2024-11-28 should be closed")
	}

	if _, err := AlpacaCalendar(fakeCalendar{}, domain.MarketUS, from, to); err == nil {
		t.Error("expected error for an empty calendar")
	}
	crypto, err := AlpacaCalendar(nil, domain.MarketCrypto, from, to)
	if err != nil || !crypto.IsTradingDay(from.AddDate(0, 0, 1)) {
		t.Errorf("crypto calendar = %v, %v", crypto, err)
	}
}
