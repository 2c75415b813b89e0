package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"spot-trading-core/internal/events"
	"spot-trading-core/internal/exchange"
	"spot-trading-core/internal/logging"
	"spot-trading-core/internal/metrics"
	"spot-trading-core/internal/params"
	"spot-trading-core/internal/state"
)

var (
	// ErrAlreadyProtected is returned by Open when the symbol already has an
	// active trailing stop.
	ErrAlreadyProtected = errors.New("symbol already has an active trailing stop")
	// ErrNoStop is returned for symbols without an active record.
	ErrNoStop = errors.New("no active trailing stop")
	// ErrStopFilled is returned by Release when the protective order had
	// already filled, so there is no position left to exit.
	ErrStopFilled = errors.New("protective order already filled")
	// ErrReplaceFailed means the improved stop could not be placed and the
	// old stop was restored. The position is still protected.
	ErrReplaceFailed = errors.New("stop replacement failed, previous stop restored")
)

// UnprotectedPositionError is raised when every protective-order strategy
// has been exhausted. Capital is at risk until the monitor re-protects it.
type UnprotectedPositionError struct {
	Symbol    string
	Quantity  float64
	StopPrice float64
	Err       error
}

func (e *UnprotectedPositionError) Error() string {
	return fmt.Sprintf("position %s (qty %.8f) unprotected at stop %.8f: %v", e.Symbol, e.Quantity, e.StopPrice, e.Err)
}

func (e *UnprotectedPositionError) Unwrap() error { return e.Err }

// IsUnprotected reports whether err carries an UnprotectedPositionError.
func IsUnprotected(err error) bool {
	var ue *UnprotectedPositionError
	return errors.As(err, &ue)
}

// TrailingConfig holds trailing stop configuration
type TrailingConfig struct {
	TrailingPercent   float64              `json:"trailing_percent"`    // fraction below the highest price
	MinImprovementPct float64              `json:"min_improvement_pct"` // minimum stop improvement to replace
	OrderTypes        []exchange.OrderType `json:"order_types"`         // primary first, then fallbacks
	LimitOffsetPct    float64              `json:"limit_offset_pct"`    // limit below stop for STOP_LOSS_LIMIT
	ReplaceRetries    int                  `json:"replace_retries"`
	PriceTick         float64              `json:"price_tick"`
	QuantityStep      float64              `json:"quantity_step"`
	QuoteAsset        string               `json:"quote_asset"`
}

// DefaultTrailingConfig returns default trailing stop configuration
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{
		TrailingPercent:   0.005,
		MinImprovementPct: 0.001,
		OrderTypes:        []exchange.OrderType{exchange.OrderTypeStopLossLimit, exchange.OrderTypeStopLoss},
		LimitOffsetPct:    0.002,
		ReplaceRetries:    2,
		QuoteAsset:        "USDT",
	}
}

// TrailingConfigFromParams overlays the tunable risk parameters on base.
func TrailingConfigFromParams(rp params.RiskParameters, base TrailingConfig) TrailingConfig {
	cfg := base
	if rp.TrailingPercent > 0 {
		cfg.TrailingPercent = rp.TrailingPercent
	}
	if rp.MinImprovementPct > 0 {
		cfg.MinImprovementPct = rp.MinImprovementPct
	}
	if rp.LimitOffsetPct > 0 {
		cfg.LimitOffsetPct = rp.LimitOffsetPct
	}
	cfg.OrderTypes = append([]exchange.OrderType(nil), base.OrderTypes...)
	return cfg
}

// StopStore persists trailing stop records. state.Store implements it.
type StopStore interface {
	SaveStop(ctx context.Context, rec state.StopRecord) error
	DeleteStop(ctx context.Context, symbol string) error
	Stops() []state.StopRecord
}

// Entry describes an executed buy that needs protection.
type Entry struct {
	Symbol       string
	Quantity     float64
	EntryPrice   float64
	CurrentPrice float64
}

// StopUpdate represents the outcome of a price update
type StopUpdate struct {
	Symbol       string
	OrderID      string
	OldStopLoss  float64
	NewStopLoss  float64
	Replaced     bool
	IsTriggered  bool
	Closed       bool
	TriggerPrice float64
}

// ClosedPosition is handed to the OnClosed hook when a protected position
// ends through its stop.
type ClosedPosition struct {
	Record    state.StopRecord
	ExitPrice float64
	Reason    string
	ClosedAt  time.Time
}

// Exit reasons reported on ClosedPosition.
const (
	ReasonStopFilled      = "stop_filled"
	ReasonFilledWhileAway = "filled_while_offline"
	ReasonManual          = "manual"
)

const (
	precisionRetries     = 5
	balanceTolerance     = 1e-6
	defaultMonitorPeriod = 5 * time.Second
)

// TrailingStopManager owns one protective sell order per open position and
// trails it upward with the price. All mutations of one symbol are
// serialized by a per-symbol lock.
type TrailingStopManager struct {
	venue  exchange.Exchange
	store  StopStore
	bus    *events.EventBus
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      TrailingConfig
	records  map[string]state.StopRecord
	locks    map[string]*sync.Mutex
	onClosed []func(ClosedPosition)
}

// NewTrailingStopManager creates a manager and loads persisted records from
// store. Call Reconcile before trading resumes.
func NewTrailingStopManager(venue exchange.Exchange, store StopStore, cfg TrailingConfig, bus *events.EventBus, logger *logging.Logger) *TrailingStopManager {
	if logger == nil {
		logger = logging.Default()
	}
	if len(cfg.OrderTypes) == 0 {
		cfg.OrderTypes = DefaultTrailingConfig().OrderTypes
	}
	m := &TrailingStopManager{
		venue:   venue,
		store:   store,
		bus:     bus,
		logger:  logger.WithComponent("trailing-stop"),
		now:     time.Now,
		cfg:     cfg,
		records: make(map[string]state.StopRecord),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, rec := range store.Stops() {
		m.records[rec.Symbol] = rec
	}
	m.updateGauge()
	return m
}

// SetConfig replaces the configuration used for new stops and placements.
// Existing records keep the trailing percent they were opened with.
func (m *TrailingStopManager) SetConfig(cfg TrailingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cfg.OrderTypes) == 0 {
		cfg.OrderTypes = m.cfg.OrderTypes
	}
	m.cfg = cfg
}

// OnClosed registers a hook called after a position closed through its stop.
func (m *TrailingStopManager) OnClosed(fn func(ClosedPosition)) {
	m.mu.Lock()
	m.onClosed = append(m.onClosed, fn)
	m.mu.Unlock()
}

func (m *TrailingStopManager) config() TrailingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *TrailingStopManager) lockSymbol(symbol string) func() {
	m.mu.Lock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *TrailingStopManager) record(symbol string) (state.StopRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[symbol]
	return rec, ok
}

func (m *TrailingStopManager) put(rec state.StopRecord) {
	m.mu.Lock()
	m.records[rec.Symbol] = rec
	m.mu.Unlock()
	m.updateGauge()
}

func (m *TrailingStopManager) remove(symbol string) {
	m.mu.Lock()
	delete(m.records, symbol)
	m.mu.Unlock()
	m.updateGauge()
}

func (m *TrailingStopManager) updateGauge() {
	m.mu.Lock()
	n := 0
	for _, rec := range m.records {
		if rec.Active && !rec.Unprotected {
			n++
		}
	}
	m.mu.Unlock()
	metrics.ActiveStops.Set(float64(n))
}

// Get returns a copy of the record for symbol.
func (m *TrailingStopManager) Get(symbol string) (state.StopRecord, bool) {
	rec, ok := m.record(symbol)
	if !ok || !rec.Active {
		return state.StopRecord{}, false
	}
	return rec, true
}

// Active returns copies of every active record, sorted by symbol.
func (m *TrailingStopManager) Active() []state.StopRecord {
	m.mu.Lock()
	out := make([]state.StopRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Active {
			out = append(out, rec)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// initialStop never sits at or above the current market.
func initialStop(e Entry, trailing, tick float64) (stop, reference float64) {
	current := e.CurrentPrice
	if current <= 0 {
		current = e.EntryPrice
	}
	reference = e.EntryPrice
	if current > e.EntryPrice {
		reference = current
	}
	stop = reference * (1 - trailing)
	if stop >= current {
		stop = current * (1 - trailing)
	}
	return exchange.RoundDown(stop, tick), reference
}

// Open places the initial protective stop for an executed buy and persists
// the record. If no order type can be placed the record is persisted as
// unprotected and an UnprotectedPositionError is returned.
func (m *TrailingStopManager) Open(ctx context.Context, e Entry) (state.StopRecord, error) {
	if e.Quantity <= 0 || e.EntryPrice <= 0 {
		return state.StopRecord{}, fmt.Errorf("open %s: quantity and entry price must be positive", e.Symbol)
	}
	unlock := m.lockSymbol(e.Symbol)
	defer unlock()

	if rec, ok := m.record(e.Symbol); ok && rec.Active {
		return rec, ErrAlreadyProtected
	}

	cfg := m.config()
	stop, reference := initialStop(e, cfg.TrailingPercent, cfg.PriceTick)
	now := m.now()
	rec := state.StopRecord{
		Symbol:           e.Symbol,
		BaseAsset:        exchange.BaseAsset(e.Symbol, cfg.QuoteAsset),
		Quantity:         exchange.RoundDown(e.Quantity, cfg.QuantityStep),
		EntryPrice:       e.EntryPrice,
		HighestPriceSeen: reference,
		CurrentStopPrice: stop,
		TrailingPercent:  cfg.TrailingPercent,
		State:            state.StopNone,
		Active:           true,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	log := logging.PositionContext(m.logger, rec.Symbol, rec.EntryPrice, rec.Quantity)

	order, err := m.placeProtective(ctx, &rec, stop, cfg)
	if err != nil {
		uerr := m.markUnprotected(ctx, &rec, err)
		return rec, uerr
	}
	m.applyOrder(&rec, order)
	rec.State = state.StopActive
	m.put(rec)
	if err := m.store.SaveStop(ctx, rec); err != nil {
		log.Error("Stop placed but not persisted", "order_id", rec.OrderID, "error", err)
		return rec, fmt.Errorf("persist stop %s: %w", rec.Symbol, err)
	}

	log.Info("Trailing stop opened",
		"order_id", rec.OrderID,
		"order_type", rec.OrderType,
		"stop", rec.CurrentStopPrice,
		"reference", reference)
	m.bus.PublishStop(events.EventStopPlaced, rec.Symbol, rec.OrderID, 0, rec.CurrentStopPrice)
	return rec, nil
}

func (m *TrailingStopManager) applyOrder(rec *state.StopRecord, order *exchange.Order) {
	rec.OrderID = order.ID
	rec.OrderType = string(order.Type)
	rec.Quantity = order.Quantity
	rec.Unprotected = false
	rec.LastUpdated = m.now()
}

func protectiveRequest(symbol string, typ exchange.OrderType, qty, stop float64, cfg TrailingConfig) exchange.OrderRequest {
	req := exchange.OrderRequest{
		Symbol:    symbol,
		Side:      exchange.SideSell,
		Type:      typ,
		Quantity:  qty,
		StopPrice: stop,
	}
	if typ == exchange.OrderTypeStopLossLimit {
		req.Price = exchange.RoundDown(stop*(1-cfg.LimitOffsetPct), cfg.PriceTick)
	}
	return req
}

// coarserStep is used after a precision rejection. Only the quantity is
// re-rounded; the stop price keeps the configured tick.
func coarserStep(step float64) float64 {
	if step <= 0 {
		return 1e-6
	}
	return step * 10
}

// placeProtective walks the order-type chain. Precision rejections re-round
// the quantity and retry the same type; unsupported types and exhausted
// transient failures move on to the next type.
func (m *TrailingStopManager) placeProtective(ctx context.Context, rec *state.StopRecord, stop float64, cfg TrailingConfig) (*exchange.Order, error) {
	var lastErr error
	for _, typ := range cfg.OrderTypes {
		step := cfg.QuantityStep
		qty := exchange.RoundDown(rec.Quantity, step)
		for attempt := 0; attempt <= precisionRetries; attempt++ {
			order, err := m.venue.PlaceOrder(ctx, protectiveRequest(rec.Symbol, typ, qty, stop, cfg))
			if err == nil {
				return order, nil
			}
			lastErr = err
			if !exchange.IsRejected(err, exchange.RejectPrecision) {
				break
			}
			step = coarserStep(step)
			qty = exchange.RoundDown(rec.Quantity, step)
			m.logger.Warn("Protective order precision rejected, re-rounding",
				"symbol", rec.Symbol, "order_type", string(typ), "quantity", qty)
		}
		if exchange.IsRejected(lastErr, exchange.RejectInsufficientBalance) {
			return nil, lastErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("Protective order type failed, falling back",
			"symbol", rec.Symbol, "order_type", string(typ), "error", lastErr)
	}
	if lastErr == nil {
		lastErr = errors.New("no protective order types configured")
	}
	return nil, lastErr
}

// markUnprotected flags rec, persists it and raises the alert. Caller holds
// the symbol lock.
func (m *TrailingStopManager) markUnprotected(ctx context.Context, rec *state.StopRecord, cause error) error {
	rec.OrderID = ""
	rec.OrderType = ""
	rec.Unprotected = true
	rec.Active = true
	rec.LastUpdated = m.now()
	m.put(*rec)
	if err := m.store.SaveStop(ctx, *rec); err != nil {
		m.logger.Error("Failed to persist unprotected record", "symbol", rec.Symbol, "error", err)
	}

	uerr := &UnprotectedPositionError{Symbol: rec.Symbol, Quantity: rec.Quantity, StopPrice: rec.CurrentStopPrice, Err: cause}
	metrics.UnprotectedPositions.Inc()
	metrics.StopReplacements.WithLabelValues("unprotected").Inc()
	m.logger.Error("POSITION UNPROTECTED",
		"alert", true,
		"symbol", rec.Symbol,
		"quantity", rec.Quantity,
		"stop", rec.CurrentStopPrice,
		"error", cause)
	m.bus.PublishUnprotected(rec.Symbol, rec.Quantity, rec.CurrentStopPrice, cause)
	return uerr
}

// OnPrice feeds a price tick for symbol. A new high that improves the stop
// by more than the minimum improvement replaces the protective order;
// falling prices never move the stop. A price at or below the stop checks
// whether the order filled.
func (m *TrailingStopManager) OnPrice(ctx context.Context, symbol string, price float64) (*StopUpdate, error) {
	if price <= 0 || math.IsNaN(price) {
		return nil, nil
	}
	unlock := m.lockSymbol(symbol)
	defer unlock()

	rec, ok := m.record(symbol)
	if !ok || !rec.Active || rec.Unprotected {
		return nil, nil
	}

	if price <= rec.CurrentStopPrice {
		return m.detectFill(ctx, rec, price)
	}
	if price <= rec.HighestPriceSeen {
		return nil, nil
	}

	cfg := m.config()
	candidate := exchange.RoundDown(price*(1-rec.TrailingPercent), cfg.PriceTick)
	if candidate <= rec.CurrentStopPrice*(1+cfg.MinImprovementPct) {
		return nil, nil
	}
	return m.replace(ctx, rec, price, candidate, cfg)
}

// detectFill closes the record when its protective order is no longer open.
func (m *TrailingStopManager) detectFill(ctx context.Context, rec state.StopRecord, price float64) (*StopUpdate, error) {
	update := &StopUpdate{
		Symbol:       rec.Symbol,
		OrderID:      rec.OrderID,
		OldStopLoss:  rec.CurrentStopPrice,
		NewStopLoss:  rec.CurrentStopPrice,
		IsTriggered:  true,
		TriggerPrice: price,
	}
	open, err := m.orderOpen(ctx, rec)
	if err != nil {
		return update, err
	}
	if !open {
		m.finishClose(ctx, rec, rec.CurrentStopPrice, ReasonStopFilled)
		update.Closed = true
	}
	return update, nil
}

func (m *TrailingStopManager) orderOpen(ctx context.Context, rec state.StopRecord) (bool, error) {
	orders, err := m.venue.ListOpenOrders(ctx, rec.Symbol)
	if err != nil {
		return false, fmt.Errorf("list open orders %s: %w", rec.Symbol, err)
	}
	for _, o := range orders {
		if o.ID == rec.OrderID {
			return true, nil
		}
	}
	return false, nil
}

// replace runs cancel-then-place. Highest price and stop change only once
// the new order is confirmed. Caller holds the symbol lock.
func (m *TrailingStopManager) replace(ctx context.Context, rec state.StopRecord, price, candidate float64, cfg TrailingConfig) (*StopUpdate, error) {
	log := logging.OrderContext(m.logger, rec.OrderID, rec.Symbol, string(exchange.SideSell), rec.OrderType)
	update := &StopUpdate{Symbol: rec.Symbol, OldStopLoss: rec.CurrentStopPrice, NewStopLoss: rec.CurrentStopPrice, TriggerPrice: price}

	if err := m.venue.CancelOrder(ctx, rec.Symbol, rec.OrderID); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			// The old order is gone; it filled.
			metrics.StopReplacements.WithLabelValues("filled").Inc()
			m.finishClose(ctx, rec, rec.CurrentStopPrice, ReasonStopFilled)
			update.IsTriggered, update.Closed = true, true
			return update, nil
		}
		metrics.StopReplacements.WithLabelValues("cancel_failed").Inc()
		log.Warn("Cancel failed, keeping existing stop", "error", err)
		return nil, fmt.Errorf("cancel stop %s: %w", rec.Symbol, err)
	}

	rec.State = state.StopReplaced
	rec.OrderID = ""
	rec.LastUpdated = m.now()
	m.put(rec)
	if err := m.store.SaveStop(ctx, rec); err != nil {
		log.Warn("Failed to persist replacing state", "error", err)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.ReplaceRetries; attempt++ {
		order, err := m.placeProtective(ctx, &rec, candidate, cfg)
		if err == nil {
			m.applyOrder(&rec, order)
			rec.HighestPriceSeen = price
			rec.CurrentStopPrice = candidate
			rec.State = state.StopActive
			rec.ReplaceCount++
			m.put(rec)
			if err := m.store.SaveStop(ctx, rec); err != nil {
				log.Error("Replaced stop not persisted", "order_id", rec.OrderID, "error", err)
			}
			metrics.StopReplacements.WithLabelValues("replaced").Inc()
			log.Info("Trailing stop raised",
				"old_stop", update.OldStopLoss,
				"new_stop", candidate,
				"highest", price,
				"new_order_id", rec.OrderID)
			m.bus.PublishStop(events.EventStopReplaced, rec.Symbol, rec.OrderID, update.OldStopLoss, candidate)
			update.OrderID = rec.OrderID
			update.NewStopLoss = candidate
			update.Replaced = true
			return update, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn("Replacement placement failed", "attempt", attempt+1, "error", err)
	}

	// Put the previous stop back before giving up on the position.
	order, err := m.placeProtective(ctx, &rec, rec.CurrentStopPrice, cfg)
	if err == nil {
		m.applyOrder(&rec, order)
		rec.State = state.StopActive
		m.put(rec)
		if err := m.store.SaveStop(ctx, rec); err != nil {
			log.Error("Restored stop not persisted", "order_id", rec.OrderID, "error", err)
		}
		metrics.StopReplacements.WithLabelValues("kept_old").Inc()
		log.Warn("Improved stop rejected, previous stop restored", "stop", rec.CurrentStopPrice, "error", lastErr)
		update.OrderID = rec.OrderID
		return update, fmt.Errorf("%w: %v", ErrReplaceFailed, lastErr)
	}
	return nil, m.markUnprotected(ctx, &rec, errors.Join(lastErr, err))
}

// finishClose marks the record CLOSED, drops it from the store and fires
// the hooks. Caller holds the symbol lock.
func (m *TrailingStopManager) finishClose(ctx context.Context, rec state.StopRecord, exitPrice float64, reason string) ClosedPosition {
	rec.State = state.StopClosed
	rec.Active = false
	rec.LastUpdated = m.now()
	m.remove(rec.Symbol)
	if err := m.store.DeleteStop(ctx, rec.Symbol); err != nil {
		m.logger.Error("Failed to delete closed stop", "symbol", rec.Symbol, "error", err)
	}

	closed := ClosedPosition{Record: rec, ExitPrice: exitPrice, Reason: reason, ClosedAt: rec.LastUpdated}
	m.logger.Info("Trailing stop closed",
		"symbol", rec.Symbol,
		"exit_price", exitPrice,
		"reason", reason,
		"replacements", rec.ReplaceCount)
	m.bus.PublishStop(events.EventStopClosed, rec.Symbol, rec.OrderID, rec.CurrentStopPrice, rec.CurrentStopPrice)

	m.mu.Lock()
	hooks := append(([]func(ClosedPosition))(nil), m.onClosed...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(closed)
	}
	return closed
}

// Close cancels the protective order of symbol and records the position as
// closed at exitPrice. The OnClosed hooks run.
func (m *TrailingStopManager) Close(ctx context.Context, symbol string, exitPrice float64, reason string) (ClosedPosition, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	rec, ok := m.record(symbol)
	if !ok || !rec.Active {
		return ClosedPosition{}, fmt.Errorf("close %s: %w", symbol, ErrNoStop)
	}
	if rec.OrderID != "" {
		err := m.venue.CancelOrder(ctx, symbol, rec.OrderID)
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return ClosedPosition{}, fmt.Errorf("close %s: cancel: %w", symbol, err)
		}
	}
	if reason == "" {
		reason = ReasonManual
	}
	return m.finishClose(ctx, rec, exitPrice, reason), nil
}

// Release cancels the protective order so the position can be sold by the
// caller, and drops the record without running the OnClosed hooks. If the
// order had already filled the position is closed through the hooks and
// ErrStopFilled is returned.
func (m *TrailingStopManager) Release(ctx context.Context, symbol string) (state.StopRecord, error) {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	rec, ok := m.record(symbol)
	if !ok || !rec.Active {
		return state.StopRecord{}, fmt.Errorf("release %s: %w", symbol, ErrNoStop)
	}
	if rec.OrderID != "" {
		if err := m.venue.CancelOrder(ctx, symbol, rec.OrderID); err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				closed := m.finishClose(ctx, rec, rec.CurrentStopPrice, ReasonStopFilled)
				return closed.Record, ErrStopFilled
			}
			return rec, fmt.Errorf("release %s: cancel: %w", symbol, err)
		}
	}
	rec.State = state.StopClosed
	rec.Active = false
	m.remove(symbol)
	if err := m.store.DeleteStop(ctx, symbol); err != nil {
		m.logger.Error("Failed to delete released stop", "symbol", symbol, "error", err)
	}
	m.logger.Info("Trailing stop released for exit", "symbol", symbol, "stop", rec.CurrentStopPrice)
	return rec, nil
}

// Restore re-protects a record returned by Release, for example after the
// exit sell failed. The stop goes back at the record's own stop price with
// its highest price and replacement count, so a restore never loosens it.
func (m *TrailingStopManager) Restore(ctx context.Context, rec state.StopRecord) (state.StopRecord, error) {
	if rec.Quantity <= 0 || rec.CurrentStopPrice <= 0 {
		return state.StopRecord{}, fmt.Errorf("restore %s: quantity and stop price must be positive", rec.Symbol)
	}
	unlock := m.lockSymbol(rec.Symbol)
	defer unlock()

	if cur, ok := m.record(rec.Symbol); ok && cur.Active {
		return cur, ErrAlreadyProtected
	}

	cfg := m.config()
	rec.Active = true
	rec.State = state.StopNone
	rec.OrderID = ""
	rec.OrderType = ""
	rec.LastUpdated = m.now()
	order, err := m.placeProtective(ctx, &rec, rec.CurrentStopPrice, cfg)
	if err != nil {
		uerr := m.markUnprotected(ctx, &rec, err)
		return rec, uerr
	}
	m.applyOrder(&rec, order)
	rec.State = state.StopActive
	m.put(rec)
	if err := m.store.SaveStop(ctx, rec); err != nil {
		return rec, fmt.Errorf("persist restored stop %s: %w", rec.Symbol, err)
	}
	m.logger.Info("Trailing stop restored", "symbol", rec.Symbol, "order_id", rec.OrderID, "stop", rec.CurrentStopPrice)
	m.bus.PublishStop(events.EventStopPlaced, rec.Symbol, rec.OrderID, 0, rec.CurrentStopPrice)
	return rec, nil
}

// Reconcile compares every persisted record with the venue's open orders
// and balances. It cancels duplicate protective sells, re-protects records
// whose order disappeared while the balance still holds the quantity, and
// closes records whose balance is gone.
func (m *TrailingStopManager) Reconcile(ctx context.Context) error {
	balances, err := m.venue.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: balances: %w", err)
	}

	m.mu.Lock()
	symbols := make([]string, 0, len(m.records))
	for s := range m.records {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	var errs []error
	for _, symbol := range symbols {
		if err := m.reconcileSymbol(ctx, symbol, balances); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *TrailingStopManager) reconcileSymbol(ctx context.Context, symbol string, balances map[string]exchange.Balance) error {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	rec, ok := m.record(symbol)
	if !ok {
		return nil
	}
	if !rec.Active {
		m.remove(symbol)
		return m.store.DeleteStop(ctx, symbol)
	}

	orders, err := m.venue.ListOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", symbol, err)
	}
	found := false
	for _, o := range orders {
		if !o.Protective() {
			continue
		}
		if o.ID == rec.OrderID && rec.OrderID != "" {
			found = true
			continue
		}
		if err := m.venue.CancelOrder(ctx, symbol, o.ID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return fmt.Errorf("reconcile %s: cancel duplicate %s: %w", symbol, o.ID, err)
		}
		m.logger.Warn("Cancelled duplicate protective order", "symbol", symbol, "order_id", o.ID, "stop", o.StopPrice)
	}
	if found {
		if rec.State != state.StopActive {
			rec.State = state.StopActive
			m.put(rec)
			return m.store.SaveStop(ctx, rec)
		}
		return nil
	}

	base := rec.BaseAsset
	if base == "" {
		base = exchange.BaseAsset(symbol, m.config().QuoteAsset)
	}
	held := balances[base].Total()
	if held+balanceTolerance < rec.Quantity {
		m.logger.Info("Position gone while offline, closing record", "symbol", symbol, "held", held, "quantity", rec.Quantity)
		m.finishClose(ctx, rec, rec.CurrentStopPrice, ReasonFilledWhileAway)
		return nil
	}

	cfg := m.config()
	order, err := m.placeProtective(ctx, &rec, rec.CurrentStopPrice, cfg)
	if err != nil {
		return m.markUnprotected(ctx, &rec, err)
	}
	m.applyOrder(&rec, order)
	rec.State = state.StopActive
	m.put(rec)
	m.logger.Warn("Protective order missing, re-protected", "symbol", symbol, "order_id", rec.OrderID, "stop", rec.CurrentStopPrice)
	m.bus.Publish(events.Event{Type: events.EventPositionReprotected, Data: map[string]interface{}{"symbol": symbol, "order_id": rec.OrderID}})
	return m.store.SaveStop(ctx, rec)
}

// reprotect retries placement for records flagged unprotected.
func (m *TrailingStopManager) reprotect(ctx context.Context, symbol string) error {
	unlock := m.lockSymbol(symbol)
	defer unlock()

	rec, ok := m.record(symbol)
	if !ok || !rec.Active || !rec.Unprotected {
		return nil
	}
	order, err := m.placeProtective(ctx, &rec, rec.CurrentStopPrice, m.config())
	if err != nil {
		return &UnprotectedPositionError{Symbol: symbol, Quantity: rec.Quantity, StopPrice: rec.CurrentStopPrice, Err: err}
	}
	m.applyOrder(&rec, order)
	rec.State = state.StopActive
	m.put(rec)
	m.logger.Info("Unprotected position re-protected", "symbol", symbol, "order_id", rec.OrderID)
	m.bus.Publish(events.Event{Type: events.EventPositionReprotected, Data: map[string]interface{}{"symbol": symbol, "order_id": rec.OrderID}})
	return m.store.SaveStop(ctx, rec)
}

// Tick runs one monitoring pass: re-protect flagged positions, then fetch
// a price for every active stop and apply it.
func (m *TrailingStopManager) Tick(ctx context.Context) {
	for _, rec := range m.Active() {
		if rec.Unprotected {
			if err := m.reprotect(ctx, rec.Symbol); err != nil {
				m.logger.Error("Re-protection failed", "alert", true, "symbol", rec.Symbol, "error", err)
			}
			continue
		}
		price, err := m.venue.GetTicker(ctx, rec.Symbol)
		if err != nil {
			m.logger.Warn("Ticker unavailable for stop monitor", "symbol", rec.Symbol, "error", err)
			continue
		}
		if _, err := m.OnPrice(ctx, rec.Symbol, price); err != nil && !IsUnprotected(err) {
			m.logger.Warn("Price update failed", "symbol", rec.Symbol, "price", price, "error", err)
		}
	}
}

// Monitor polls prices on interval until ctx ends. It may run alongside a
// streaming feed calling OnPrice; the per-symbol lock serializes them.
func (m *TrailingStopManager) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultMonitorPeriod
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Stop monitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stop monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}
