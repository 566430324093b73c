// Package engine runs the trading pipeline shared by live trading and
// backtests: exit checks, strategy signals, risk checks, cash reservation,
// order execution and position tracking, one step per bar timestamp.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"divetrader/internal/broker"
	"divetrader/internal/config"
	"divetrader/internal/domain"
	"divetrader/internal/strategy"
	"divetrader/internal/util"
)

// Sink persists pipeline output. Failures are logged and never stop the
// pipeline.
type Sink interface {
	SaveTrade(ctx context.Context, t domain.Trade) error
	SavePosition(ctx context.Context, p domain.Position) error
	SaveEquityPoint(ctx context.Context, strategyID string, p domain.EquityPoint) error
}

// CostEstimator is implemented by brokers that can predict their fill price
// and fee. The instance reserves the predicted cost instead of the bare
// notional.
type CostEstimator interface {
	FillPrice(side domain.Side, ref float64) float64
	Fee(notional float64) float64
}

// InstanceConfig holds the per-instance limits.
type InstanceConfig struct {
	ID     string
	Market domain.Market
	Book   BookConfig
	Risk   RiskLimits
}

// NewInstanceConfig derives the instance limits from a strategy config.
// Distributor instances accumulate into one position per symbol.
func NewInstanceConfig(sc config.StrategyConfig) InstanceConfig {
	return InstanceConfig{
		ID:     sc.ID,
		Market: sc.Market,
		Book: BookConfig{
			MaxPositions:  sc.MaxPositions,
			TakeProfitPct: sc.TakeProfitPct,
			StopLossPct:   sc.StopLossPct,
			Accumulate:    sc.Kind == config.KindDistributor,
		},
		Risk: RiskLimitsFromConfig(sc.Risk),
	}
}

// Options carries the collaborators of an Instance. Broker and Account are
// required.
type Options struct {
	Broker  broker.Broker
	Account *Account
	// Capital is the cash this instance may deploy out of Account. Zero
	// takes the account's unreserved cash at construction. The instance
	// values its equity, drawdown and daily loss against this budget only,
	// so instances sharing one account do not see each other's trades.
	Capital float64
	Events  domain.EventSink
	Sink    Sink
	IDs     IDGenerator
	// Calendar sets the session day used for daily-loss tracking. Nil uses
	// the rule-based calendar of the instance's market.
	Calendar *util.TradingCalendar
	Logger   *slog.Logger
}

// Rejection records a buy the pipeline declined.
type Rejection struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Value     float64   `json:"value,omitempty"`
	Limit     float64   `json:"limit,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Instance is one running strategy: its position book, ledger and equity
// curve. Step, CloseAll and the accessors serialize on one lock, so a live
// runner and a stop request never interleave.
type Instance struct {
	cfg    InstanceConfig
	strat  strategy.Strategy
	stepH  strategy.StepHandler
	warmer strategy.Warmer
	broker broker.Broker
	acct   *Account
	risk   *RiskManager
	book   *PositionBook
	cal    *util.TradingCalendar
	events domain.EventSink
	sink   Sink
	ids    IDGenerator
	log    *slog.Logger

	sem chan struct{}

	started    bool
	cash       float64
	marks      map[string]float64
	ledger     []domain.Trade
	equity     []domain.EquityPoint
	rejections []Rejection
	alerts     map[string]Severity
	peak       float64
	day        string
	dayStart   float64
	lastTS     time.Time
}

// NewInstance wires a strategy to its pipeline.
func NewInstance(cfg InstanceConfig, strat strategy.Strategy, opts Options) (*Instance, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: instance id is required", domain.ErrInvalidConfig)
	}
	if strat == nil || opts.Broker == nil || opts.Account == nil {
		return nil, fmt.Errorf("%w: instance %s needs a strategy, broker and account", domain.ErrInvalidConfig, cfg.ID)
	}
	ids := opts.IDs
	if ids == nil {
		ids = UUIDs{}
	}
	book, err := NewPositionBook(cfg.ID, cfg.Book, ids)
	if err != nil {
		return nil, err
	}
	events := opts.Events
	if events == nil {
		events = NewLogSink(opts.Logger)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	market := cfg.Market
	if market == "" {
		market = domain.MarketUS
	}
	cal := opts.Calendar
	if cal == nil {
		cal = util.NewTradingCalendar(market)
	}
	capital := opts.Capital
	if capital < 0 {
		return nil, fmt.Errorf("%w: instance %s capital %v is negative", domain.ErrInvalidConfig, cfg.ID, capital)
	}
	if capital == 0 {
		capital = opts.Account.Cash()
	}
	in := &Instance{
		cfg:    cfg,
		strat:  strat,
		broker: opts.Broker,
		acct:   opts.Account,
		risk:   NewRiskManager(cfg.Risk),
		book:   book,
		cal:    cal,
		events: events,
		sink:   opts.Sink,
		ids:    ids,
		cash:   capital,
		log:    log.With("component", "engine", "strategy", cfg.ID),
		sem:    make(chan struct{}, 1),
		marks:  make(map[string]float64),
		alerts: make(map[string]Severity),
	}
	if h, ok := strat.(strategy.StepHandler); ok {
		in.stepH = h
	}
	if w, ok := strat.(strategy.Warmer); ok {
		in.warmer = w
	}
	return in, nil
}

// ID returns the instance identifier.
func (in *Instance) ID() string {
	return in.cfg.ID
}

func (in *Instance) lock(ctx context.Context) error {
	select {
	case in.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Instance) unlock() {
	<-in.sem
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Step processes every bar sharing timestamp ts. For each bar, triggered
// exits run first, then the mark is updated and the strategy is consulted;
// accepted signals are executed through the broker. One equity point is
// appended at the end. Bars are processed in symbol order.
func (in *Instance) Step(ctx context.Context, ts time.Time, bars []domain.Bar) error {
	if err := in.lock(ctx); err != nil {
		return err
	}
	defer in.unlock()

	if err := in.start(ctx); err != nil {
		return err
	}
	sorted := sortBars(bars)

	if day := in.cal.SessionDate(ts); day != in.day {
		in.day = day
		in.dayStart = in.totalValue()
	}

	for _, bar := range sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, exit := range in.book.CheckExits(bar) {
			if err := in.executeExit(ctx, ts, exit); err != nil {
				return err
			}
		}
		if bar.Close > 0 {
			in.marks[bar.Symbol] = bar.Close
		}
	}
	in.risk.Observe(in.accountState(in.available()))

	pf := portfolioView{in}
	for _, bar := range sorted {
		signals, err := in.strat.OnBar(ctx, bar, pf)
		if err != nil {
			in.log.Error("strategy OnBar failed", "symbol", bar.Symbol, "error", err)
			continue
		}
		if err := in.handleSignals(ctx, ts, signals); err != nil {
			return err
		}
	}
	if in.stepH != nil {
		signals, err := in.stepH.OnStep(ctx, ts, sorted, pf)
		if err != nil {
			in.log.Error("strategy OnStep failed", "error", err)
		} else if err := in.handleSignals(ctx, ts, signals); err != nil {
			return err
		}
	}

	in.recordEquity(ctx, ts)
	in.lastTS = ts
	return nil
}

// Warm feeds bars from before the instance went live. Marks and strategy
// state such as indicators advance; no exit is checked, no signal is
// produced or executed and no equity point is recorded.
func (in *Instance) Warm(ctx context.Context, ts time.Time, bars []domain.Bar) error {
	if err := in.lock(ctx); err != nil {
		return err
	}
	defer in.unlock()

	if err := in.start(ctx); err != nil {
		return err
	}
	for _, bar := range sortBars(bars) {
		if bar.Close > 0 {
			in.marks[bar.Symbol] = bar.Close
		}
		if in.warmer == nil {
			continue
		}
		if err := in.warmer.Warm(ctx, bar); err != nil {
			in.log.Error("strategy Warm failed", "symbol", bar.Symbol, "error", err)
		}
	}
	in.lastTS = ts
	return nil
}

func (in *Instance) start(ctx context.Context) error {
	if in.started {
		return nil
	}
	if err := in.strat.Init(ctx); err != nil {
		return fmt.Errorf("init strategy %s: %w", in.cfg.ID, err)
	}
	in.started = true
	in.peak = in.totalValue()
	in.dayStart = in.peak
	return nil
}

func sortBars(bars []domain.Bar) []domain.Bar {
	sorted := append([]domain.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })
	return sorted
}

func (in *Instance) handleSignals(ctx context.Context, ts time.Time, signals []domain.Signal) error {
	for _, sig := range signals {
		if err := in.handleSignal(ctx, ts, sig); err != nil {
			return err
		}
	}
	return nil
}

func (in *Instance) handleSignal(ctx context.Context, ts time.Time, sig domain.Signal) error {
	if sig.Direction == domain.DirectionHold {
		return nil
	}
	price := sig.Price
	if price <= 0 {
		price = in.marks[sig.Symbol]
	}
	if price <= 0 {
		in.emit(ctx, ts, domain.LevelWarn, domain.EventDataUnavailable, sig.Symbol,
			"no price for signal", map[string]any{"direction": string(sig.Direction)})
		return nil
	}

	intent := sig.EffectiveIntent()
	if sig.Direction == domain.DirectionSell {
		if intent == domain.IntentRebalance {
			return in.executeReduce(ctx, ts, sig.Symbol, sig.Qty, price, domain.ReasonRebalance)
		}
		for _, exit := range in.book.SymbolExits(sig.Symbol, price) {
			if err := in.executeExit(ctx, ts, exit); err != nil {
				return err
			}
		}
		return nil
	}
	return in.executeBuy(ctx, ts, sig, intent, price)
}

func (in *Instance) executeBuy(ctx context.Context, ts time.Time, sig domain.Signal, intent domain.Intent, price float64) error {
	qty := sig.Qty
	if qty <= 0 && sig.Notional > 0 {
		qty = sig.Notional / price
	}
	if qty <= 0 {
		return nil
	}

	if !in.book.CanOpen(sig.Symbol) {
		in.rejectBuy(ctx, ts, sig.Symbol, domain.EventMaxPositions, reject(ReasonMaxPositions,
			float64(in.book.OpenCount()), float64(in.book.MaxPositions()),
			"%d of %d positions open", in.book.OpenCount(), in.book.MaxPositions()))
		return nil
	}

	_, sl := in.book.ExitLevels(price)
	proposed := ProposedTrade{Symbol: sig.Symbol, Side: domain.SideBuy, Qty: qty, Price: price, StopLoss: sl}
	cost := in.estimateCost(qty, price)

	res, decision, err := in.acct.Reserve(ctx, cost, func(available float64) Decision {
		avail := math.Min(available, in.cash)
		if d := in.risk.Evaluate(proposed, in.accountState(avail)); !d.Accepted {
			return d
		}
		if cost > avail+1e-9 {
			return reject(ReasonInsufficientCash, cost, avail,
				"need %.2f, %.2f available to %s", cost, avail, in.cfg.ID)
		}
		return Accept
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.emit(ctx, ts, domain.LevelError, domain.EventOrderFailed, sig.Symbol,
			"cash reservation failed", map[string]any{"error": err.Error()})
		return nil
	}
	if !decision.Accepted {
		in.rejectBuy(ctx, ts, sig.Symbol, domain.EventRiskRejected, decision)
		return nil
	}

	filled, err := in.submit(ctx, ts, sig.Symbol, domain.SideBuy, qty, price)
	if err != nil || !filled.Filled() {
		res.Release()
		in.orderFailed(ctx, ts, sig.Symbol, domain.SideBuy, err)
		return nil
	}
	spent := filled.FilledQty*filled.FilledAvgPrice + filled.Fee
	res.Commit(spent)
	in.cash -= spent

	pos, err := in.book.Open(sig.Symbol, filled.FilledAvgPrice, filled.FilledQty, filled.Fee, ts)
	if err != nil {
		in.emit(ctx, ts, domain.LevelError, domain.EventOrderFailed, sig.Symbol,
			"filled buy could not be recorded", map[string]any{"error": err.Error()})
		return nil
	}
	in.savePosition(ctx, pos)

	fields := map[string]any{
		"position_id": pos.ID,
		"qty":         filled.FilledQty,
		"price":       filled.FilledAvgPrice,
		"fee":         filled.Fee,
		"source":      string(sig.Source),
		"confidence":  sig.Confidence,
	}
	switch intent {
	case domain.IntentContribution, domain.IntentRebalance:
		reason, typ := domain.ReasonContribution, domain.EventContribution
		if intent == domain.IntentRebalance {
			reason, typ = domain.ReasonRebalance, domain.EventRebalance
		}
		in.appendTrade(ctx, domain.Trade{
			ID:         in.ids.NewID("trade"),
			StrategyID: in.cfg.ID,
			PositionID: pos.ID,
			Symbol:     sig.Symbol,
			Side:       domain.SideBuy,
			Qty:        filled.FilledQty,
			Price:      filled.FilledAvgPrice,
			Fee:        filled.Fee,
			OpenedAt:   ts,
			ClosedAt:   ts,
			Reason:     reason,
		})
		in.emit(ctx, ts, domain.LevelInfo, typ, sig.Symbol, sig.Reason, fields)
	default:
		fields["take_profit"] = pos.TakeProfitPrice
		fields["stop_loss"] = pos.StopLossPrice
		in.emit(ctx, ts, domain.LevelInfo, domain.EventPositionOpened, sig.Symbol, "position opened", fields)
	}
	return nil
}

func (in *Instance) executeExit(ctx context.Context, ts time.Time, exit ExitIntent) error {
	filled, err := in.submit(ctx, ts, exit.Symbol, domain.SideSell, exit.Qty, exit.Price)
	if err != nil || !filled.Filled() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.orderFailed(ctx, ts, exit.Symbol, domain.SideSell, err)
		return nil
	}

	var trades []domain.Trade
	if filled.FilledQty < exit.Qty-qtyEpsilon {
		trades, err = in.book.Reduce(exit.Symbol, filled.FilledQty, filled.FilledAvgPrice, filled.Fee, exit.Reason, ts)
	} else {
		var t domain.Trade
		t, err = in.book.Close(exit.PositionID, filled.FilledAvgPrice, filled.Fee, exit.Reason, ts)
		trades = []domain.Trade{t}
	}
	if err != nil {
		in.emit(ctx, ts, domain.LevelError, domain.EventOrderFailed, exit.Symbol,
			"filled sell could not be recorded", map[string]any{"error": err.Error()})
		return nil
	}
	in.credit(filled.FilledQty*filled.FilledAvgPrice - filled.Fee)
	in.recordClosing(ctx, ts, trades)
	return nil
}

func (in *Instance) executeReduce(ctx context.Context, ts time.Time, symbol string, qty, price float64, reason domain.TradeReason) error {
	held := in.book.Qty(symbol)
	if held <= qtyEpsilon || qty <= 0 {
		return nil
	}
	qty = math.Min(qty, held)
	filled, err := in.submit(ctx, ts, symbol, domain.SideSell, qty, price)
	if err != nil || !filled.Filled() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.orderFailed(ctx, ts, symbol, domain.SideSell, err)
		return nil
	}
	trades, err := in.book.Reduce(symbol, filled.FilledQty, filled.FilledAvgPrice, filled.Fee, reason, ts)
	if err != nil {
		in.emit(ctx, ts, domain.LevelError, domain.EventOrderFailed, symbol,
			"filled sell could not be recorded", map[string]any{"error": err.Error()})
		return nil
	}
	in.credit(filled.FilledQty*filled.FilledAvgPrice - filled.Fee)
	in.recordClosing(ctx, ts, trades)
	return nil
}

func (in *Instance) recordClosing(ctx context.Context, ts time.Time, trades []domain.Trade) {
	for _, t := range trades {
		in.appendTrade(ctx, t)
		typ := domain.EventPositionClosed
		if t.Reason == domain.ReasonRebalance {
			typ = domain.EventRebalance
		}
		msg := "position closed: " + string(t.Reason)
		if _, open := in.book.Get(t.PositionID); open {
			msg = "position reduced: " + string(t.Reason)
		}
		in.emit(ctx, ts, domain.LevelInfo, typ, t.Symbol, msg, map[string]any{
			"position_id":  t.PositionID,
			"reason":       string(t.Reason),
			"qty":          t.Qty,
			"price":        t.Price,
			"realized_pnl": t.RealizedPnL,
		})
		if _, open := in.book.Get(t.PositionID); !open {
			for _, p := range in.book.Closed() {
				if p.ID == t.PositionID {
					in.savePosition(ctx, p)
				}
			}
		}
	}
}

func (in *Instance) submit(ctx context.Context, ts time.Time, symbol string, side domain.Side, qty, price float64) (*domain.Order, error) {
	id := in.ids.NewID("ord")
	return in.broker.SubmitOrder(ctx, &domain.Order{
		ID:            id,
		ClientOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		RefPrice:      price,
		Status:        domain.OrderStatusNew,
		CreatedAt:     ts,
	})
}

func (in *Instance) estimateCost(qty, price float64) float64 {
	ce, ok := in.broker.(CostEstimator)
	if !ok {
		return qty * price
	}
	notional := qty * ce.FillPrice(domain.SideBuy, price)
	return notional + ce.Fee(notional)
}

func (in *Instance) rejectBuy(ctx context.Context, ts time.Time, symbol, typ string, d Decision) {
	in.rejections = append(in.rejections, Rejection{
		Timestamp: ts,
		Symbol:    symbol,
		Reason:    d.Reason,
		Value:     d.Value,
		Limit:     d.Limit,
		Detail:    d.Detail,
	})
	in.emit(ctx, ts, domain.LevelInfo, typ, symbol, "entry rejected", map[string]any{
		"reason": d.Reason,
		"value":  d.Value,
		"limit":  d.Limit,
		"detail": d.Detail,
	})
}

func (in *Instance) orderFailed(ctx context.Context, ts time.Time, symbol string, side domain.Side, err error) {
	msg := "order not filled"
	if err != nil {
		msg = err.Error()
	}
	in.emit(ctx, ts, domain.LevelError, domain.EventOrderFailed, symbol, msg, map[string]any{
		"side":   string(side),
		"broker": in.broker.Name(),
	})
}

// ---------------------------------------------------------------------------
// Valuation
// ---------------------------------------------------------------------------

// credit returns sale proceeds to both the instance budget and the shared
// account.
func (in *Instance) credit(amount float64) {
	in.acct.Credit(amount)
	in.cash += amount
}

// available is the cash the instance can spend now: its own budget, capped
// by what the shared account has unreserved.
func (in *Instance) available() float64 {
	return math.Min(in.cash, in.acct.Cash())
}

func (in *Instance) totalValue() float64 {
	return in.cash + in.book.MarketValue(in.marks)
}

func (in *Instance) accountState(available float64) AccountState {
	holdings := in.book.Holdings(in.marks)
	var held float64
	for _, sym := range sortedSymbols(holdings) {
		held += holdings[sym]
	}
	return AccountState{
		Cash:           available,
		PortfolioValue: in.cash + held,
		PeakEquity:     in.peak,
		DayStartValue:  in.dayStart,
		Holdings:       holdings,
		Day:            in.day,
	}
}

func (in *Instance) recordEquity(ctx context.Context, ts time.Time) {
	cash := in.cash
	held := in.book.MarketValue(in.marks)
	pt := domain.EquityPoint{
		Timestamp:     ts,
		Cash:          cash,
		HoldingsValue: held,
		TotalValue:    cash + held,
	}
	in.equity = append(in.equity, pt)
	if pt.TotalValue > in.peak {
		in.peak = pt.TotalValue
	}
	if in.sink != nil {
		if err := in.sink.SaveEquityPoint(ctx, in.cfg.ID, pt); err != nil {
			in.log.Error("saving equity point", "error", err)
		}
	}

	state := in.accountState(in.available())
	in.risk.Observe(state)
	seen := make(map[string]bool)
	for _, a := range in.risk.Alerts(state) {
		seen[a.Metric] = true
		if in.alerts[a.Metric] == a.Severity {
			continue
		}
		in.alerts[a.Metric] = a.Severity
		in.emit(ctx, ts, a.Level(), domain.EventRiskAlert, "", a.Metric+" "+string(a.Severity), map[string]any{
			"metric":   a.Metric,
			"severity": string(a.Severity),
			"value":    a.Value,
			"limit":    a.Limit,
		})
	}
	for metric := range in.alerts {
		if !seen[metric] {
			delete(in.alerts, metric)
		}
	}
}

func (in *Instance) appendTrade(ctx context.Context, t domain.Trade) {
	in.ledger = append(in.ledger, t)
	if in.sink != nil {
		if err := in.sink.SaveTrade(ctx, t); err != nil {
			in.log.Error("saving trade", "trade_id", t.ID, "error", err)
		}
	}
}

func (in *Instance) savePosition(ctx context.Context, p domain.Position) {
	if in.sink == nil {
		return
	}
	if err := in.sink.SavePosition(ctx, p); err != nil {
		in.log.Error("saving position", "position_id", p.ID, "error", err)
	}
}

func (in *Instance) emit(ctx context.Context, ts time.Time, level domain.EventLevel, typ, symbol, msg string, fields map[string]any) {
	in.events.Emit(ctx, domain.Event{
		Timestamp:  ts,
		Level:      level,
		Type:       typ,
		StrategyID: in.cfg.ID,
		Symbol:     symbol,
		Message:    msg,
		Fields:     fields,
	})
}

// ---------------------------------------------------------------------------
// Stop and accessors
// ---------------------------------------------------------------------------

// CloseAll manually closes every open position at its last mark. It returns
// an error if any position is still open afterwards.
func (in *Instance) CloseAll(ctx context.Context, ts time.Time) error {
	if err := in.lock(ctx); err != nil {
		return err
	}
	defer in.unlock()

	for _, exit := range in.book.ManualExits(in.marks) {
		if err := in.executeExit(ctx, ts, exit); err != nil {
			return err
		}
	}
	if n := in.book.OpenCount(); n > 0 {
		return fmt.Errorf("instance %s: %d positions still open after manual close", in.cfg.ID, n)
	}
	return nil
}

// Ledger returns a copy of the trade ledger.
func (in *Instance) Ledger() []domain.Trade {
	in.sem <- struct{}{}
	defer in.unlock()
	return append([]domain.Trade(nil), in.ledger...)
}

// Equity returns a copy of the equity curve.
func (in *Instance) Equity() []domain.EquityPoint {
	in.sem <- struct{}{}
	defer in.unlock()
	return append([]domain.EquityPoint(nil), in.equity...)
}

// Cash returns the instance's own cash: its capital less what it spent plus
// what it received.
func (in *Instance) Cash() float64 {
	in.sem <- struct{}{}
	defer in.unlock()
	return in.cash
}

// Rejections returns a copy of the declined buys.
func (in *Instance) Rejections() []Rejection {
	in.sem <- struct{}{}
	defer in.unlock()
	return append([]Rejection(nil), in.rejections...)
}

// OpenPositions returns the open positions in the order they were opened.
func (in *Instance) OpenPositions() []domain.Position {
	in.sem <- struct{}{}
	defer in.unlock()
	return in.book.OpenPositions()
}

// Marks returns a copy of the latest close per symbol.
func (in *Instance) Marks() map[string]float64 {
	in.sem <- struct{}{}
	defer in.unlock()
	out := make(map[string]float64, len(in.marks))
	for k, v := range in.marks {
		out[k] = v
	}
	return out
}

// LastStep returns the timestamp of the last processed step.
func (in *Instance) LastStep() time.Time {
	in.sem <- struct{}{}
	defer in.unlock()
	return in.lastTS
}

// ---------------------------------------------------------------------------
// Portfolio view
// ---------------------------------------------------------------------------

// portfolioView exposes instance state to the strategy during a step. The
// instance lock is already held.
type portfolioView struct {
	in *Instance
}

var _ strategy.Portfolio = portfolioView{}

func (v portfolioView) Cash() float64              { return v.in.available() }
func (v portfolioView) TotalValue() float64        { return v.in.totalValue() }
func (v portfolioView) OpenCount() int             { return v.in.book.OpenCount() }
func (v portfolioView) MaxPositions() int          { return v.in.book.MaxPositions() }
func (v portfolioView) HasOpen(symbol string) bool { return v.in.book.HasOpen(symbol) }
func (v portfolioView) Qty(symbol string) float64  { return v.in.book.Qty(symbol) }
func (v portfolioView) Price(symbol string) float64 {
	return v.in.marks[symbol]
}
func (v portfolioView) Holdings() map[string]float64 {
	return v.in.book.Holdings(v.in.marks)
}

func sortedSymbols(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
