package universe

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kis-trend-atr/engine/internal/broker"
	"github.com/kis-trend-atr/engine/internal/domain"
	"github.com/kis-trend-atr/engine/internal/kst"
)

// BrokerSource adapts a broker.Broker into a CandidateSource. KIS's
// account/quote endpoints don't carry market-cap or trading-halt flags,
// so Snapshot reports MarketCap/Suspended/Management as zero values and
// the safety filters' market-cap floor and halt/management checks never
// exclude a symbol from this source (spec §9 Open Question, left
// unresolved).
type BrokerSource struct {
	broker broker.Broker
	pool   []domain.Symbol
	lookback int
}

// NewBrokerSource builds a CandidateSource over pool, the fixed set of
// codes volume_top/atr_filter are allowed to rank (KIS exposes no
// "list every KRX code" endpoint this engine depends on). lookback is
// how many trailing daily bars DailyBars returns.
func NewBrokerSource(b broker.Broker, pool []domain.Symbol, lookback int) *BrokerSource {
	if lookback <= 0 {
		lookback = 60
	}
	return &BrokerSource{broker: b, pool: pool, lookback: lookback}
}

func (s *BrokerSource) CandidatePool(ctx context.Context) ([]domain.Symbol, error) {
	return s.pool, nil
}

func (s *BrokerSource) Snapshot(ctx context.Context, symbol domain.Symbol) (Snapshot, error) {
	q, err := s.broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("universe: broker source snapshot %s: %w", symbol, err)
	}
	tradeValue := q.Price.Mul(decimal.NewFromInt(q.Volume))
	pctFromOpen := decimal.Zero
	if q.Open.IsPositive() {
		pctFromOpen = q.Price.Sub(q.Open).Div(q.Open).Mul(decimal.NewFromInt(100))
	}
	return Snapshot{
		Symbol:      symbol,
		TradeValue:  tradeValue,
		PctFromOpen: pctFromOpen,
	}, nil
}

func (s *BrokerSource) DailyBars(ctx context.Context, symbol domain.Symbol) ([]domain.Bar, error) {
	now := kst.SystemClock{}.Now()
	from := now.AddDate(0, 0, -s.lookback*2)
	bars, err := s.broker.GetDailyOHLCV(ctx, symbol, from, now)
	if err != nil {
		return nil, fmt.Errorf("universe: broker source daily bars %s: %w", symbol, err)
	}
	if len(bars) > s.lookback {
		bars = bars[len(bars)-s.lookback:]
	}
	return bars, nil
}
