package trader

import (
	"fmt"
	"strconv"
	"strings"

	"greencandle-go/internal/binance"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// quotes are matched as pair suffixes, longest first.
var quotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "BNB", "GBP", "EUR"}

// splitPair returns the base and quote asset of a pair such as ETHBTC.
func splitPair(pair string) (base, quote string) {
	best := ""
	for _, q := range quotes {
		if strings.HasSuffix(pair, q) && len(q) > len(best) && len(pair) > len(q) {
			best = q
		}
	}
	if best == "" {
		return pair, ""
	}
	return strings.TrimSuffix(pair, best), best
}

// isUSD reports whether an asset is treated as a dollar equivalent.
func isUSD(asset string) bool {
	return strings.Contains(asset, "USD")
}

// tickerSnapshot is every ticker price, fetched on the first lookup of a batch.
type tickerSnapshot struct {
	loaded bool
	prices map[string]float64
}

// beginBatch starts a batch with an empty ticker snapshot; the returned func ends it.
func (t *Trader) beginBatch() func() {
	t.batch.Lock()
	t.tickers = &tickerSnapshot{}
	return func() {
		t.tickers = nil
		t.batch.Unlock()
	}
}

func (t *Trader) snapshotPrice(symbol string) (float64, bool) {
	s := t.tickers
	if s == nil {
		return 0, false
	}
	if !s.loaded {
		s.loaded = true
		all, err := t.exchange.GetAllTickerPrices()
		if err != nil {
			t.logger.Warn("Could not get ticker prices, falling back to single lookups", zap.Error(err))
			return 0, false
		}
		s.prices = make(map[string]float64, len(all))
		for sym, v := range all {
			if p, err := strconv.ParseFloat(v, 64); err == nil && p > 0 {
				s.prices[sym] = p
			}
		}
	}
	p, ok := s.prices[symbol]
	return p, ok
}

// price looks symbol up in the batch snapshot first, then asks the exchange directly.
func (t *Trader) price(symbol string) (float64, error) {
	if symbol == "USDTUSDT" {
		return 1, nil
	}
	if p, ok := t.snapshotPrice(symbol); ok {
		return p, nil
	}
	p, err := t.exchange.GetTickerPrice(symbol)
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

// toUSD values amount of asset in USD through asset+USDT.
func (t *Trader) toUSD(amount float64, asset string) (float64, error) {
	if amount == 0 || isUSD(asset) {
		return amount, nil
	}
	p, err := t.price(asset + "USDT")
	if err != nil {
		return 0, err
	}
	return amount * p, nil
}

// fromUSD converts a USD value into an amount of asset through asset+USDT.
func (t *Trader) fromUSD(usd float64, asset string) (float64, error) {
	if usd == 0 || isUSD(asset) {
		return usd, nil
	}
	p, err := t.price(asset + "USDT")
	if err != nil {
		return 0, err
	}
	return usd / p, nil
}

// stepSize returns the LOT_SIZE step of symbol, loading exchange rules on first use.
func (t *Trader) stepSize(symbol string) float64 {
	t.rulesOnce.Do(func() {
		info, err := t.exchange.GetExchangeInfo()
		if err != nil {
			t.logger.Warn("Could not get exchange info, quantities will not be rounded", zap.Error(err))
			return
		}
		for _, s := range info.Symbols {
			t.exchangeRules[s.Symbol] = s
		}
		t.logger.Info("Cached exchange information for symbols", zap.Int("count", len(t.exchangeRules)))
	})

	rule, ok := t.exchangeRules[symbol]
	if !ok {
		return 0
	}
	return rule.StepSize()
}

// formatQuantity floors quantity to the symbol's LOT_SIZE step.
func (t *Trader) formatQuantity(symbol string, quantity float64) float64 {
	step := t.stepSize(symbol)
	if step <= 0 {
		t.logger.Warn("No LOT_SIZE step for symbol, using quantity as is", zap.String("symbol", symbol))
		return quantity
	}
	return floorToStep(quantity, step)
}

func floorToStep(quantity, step float64) float64 {
	s := decimal.NewFromFloat(step)
	q := decimal.NewFromFloat(quantity).Div(s).Floor().Mul(s)
	f, _ := q.Float64()
	return f
}

// commission sums the commission of every fill in USD.
func (t *Trader) commission(resp *binance.CreateOrderResponse) float64 {
	if resp == nil {
		return 0
	}
	total := 0.0
	for _, f := range resp.Fills {
		amount, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		usd, err := t.toUSD(amount.InexactFloat64(), f.CommissionAsset)
		if err != nil {
			t.logger.Warn("Could not convert commission to USD",
				zap.String("asset", f.CommissionAsset), zap.Error(err))
			continue
		}
		total += usd
	}
	return total
}

// ownPrice is the candidate price of pair when asset is its base and the pair is USD-quoted.
func ownPrice(asset, pair string, price float64) (float64, bool) {
	base, quote := splitPair(pair)
	if price <= 0 || asset != base || !isUSD(quote) {
		return 0, false
	}
	return price, true
}

func (t *Trader) pairToUSD(amount float64, asset, pair string, price float64) (float64, error) {
	if p, ok := ownPrice(asset, pair, price); ok {
		return amount * p, nil
	}
	return t.toUSD(amount, asset)
}

func (t *Trader) pairFromUSD(usd float64, asset, pair string, price float64) (float64, error) {
	if p, ok := ownPrice(asset, pair, price); ok {
		return usd / p, nil
	}
	return t.fromUSD(usd, asset)
}
