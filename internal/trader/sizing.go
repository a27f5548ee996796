package trader

import (
	"fmt"
	"strconv"

	"greencandle-go/internal/config"
	"greencandle-go/internal/perc"

	"go.uber.org/zap"
)

// testBalances seed the synthetic account used by test_trade and test_data runs.
var testBalances = map[string]float64{
	"BTC":  0.47,
	"ETH":  8.92,
	"USDT": 10000,
	"USDC": 10000,
	"GBP":  10000,
	"BNB":  46.06,
}

// amount is a quantity of one asset together with its USD value.
type amount struct {
	Asset  string
	Amount float64
	USD    float64
}

// sizing is what an open may deploy: balance and loan, both in the asset the trade spends.
type sizing struct {
	Asset      string
	Balance    float64
	BalanceUSD float64
	Loan       float64
	LoanUSD    float64
}

// testBalance returns the synthetic balance of every asset. Each quote asset grows to the
// quote amount of the most recent trade in it, so compounding test runs keep their size.
func (t *Trader) testBalance() (map[string]float64, error) {
	balances := make(map[string]float64, len(testBalances))
	for asset, v := range testBalances {
		balances[asset] = v
	}
	for _, q := range quotes {
		last, err := t.ledger.LastQuoteIn(q)
		if err != nil {
			return nil, err
		}
		balances[q] = max(balances[q], last)
	}
	return balances, nil
}

// balanceToUse returns the share of the free balance one trade may use: the quote asset when
// long, the base asset when short, divided by the divisor and reduced by 1%.
func (t *Trader) balanceToUse(pair string, pairPrice float64) (amount, error) {
	base, quote := splitPair(pair)
	symbol := quote
	if t.short() {
		symbol = base
	}

	var final float64
	switch {
	case t.simulated():
		balances, err := t.testBalance()
		if err != nil {
			return amount{}, err
		}
		v, ok := balances[symbol]
		if t.short() && !ok {
			if v, err = t.pairFromUSD(balances["USDT"], symbol, pair, pairPrice); err != nil {
				return amount{}, err
			}
		}
		final = v
	case !t.margin():
		balances, err := t.exchange.GetSpotBalances()
		if err != nil {
			return amount{}, err
		}
		final = balances[symbol]
	case t.cfg.Isolated:
		balances, err := t.exchange.GetIsolatedMarginFree(pair)
		if err != nil {
			return amount{}, err
		}
		final = balances[symbol]
	default:
		balances, err := t.exchange.GetCrossMarginFree()
		if err != nil {
			return amount{}, err
		}
		final = balances[symbol]
	}

	out := amount{Asset: symbol}
	if final == 0 {
		return out, nil
	}
	out.Amount = perc.Sub(1, final/t.cfg.Divisor)

	usd, err := t.pairToUSD(out.Amount, symbol, pair, pairPrice)
	if err != nil {
		return amount{}, err
	}
	out.USD = usd
	return out, nil
}

// amountToBorrow sizes the loan for one trade from the headroom left on the exchange plus
// what open trades already borrowed in the same margin mode, divided by the divisor and
// reduced by 1%. The loan is in the quote asset when long and the base asset when short.
func (t *Trader) amountToBorrow(pair string, pairPrice float64) (amount, error) {
	base, quote := splitPair(pair)
	asset := quote
	if t.short() {
		asset = base
	}

	mode := t.cfg.MarginMode()
	scopePair := ""
	if t.cfg.Isolated {
		scopePair = pair
	}
	rows, err := t.ledger.CurrentlyBorrowed(scopePair, mode)
	if err != nil {
		return amount{}, err
	}

	borrowedUSD := 0.0
	for _, row := range rows {
		rowBase, rowQuote := splitPair(row.Pair)
		rowAsset := rowQuote
		if row.Direction == config.DirectionShort {
			rowAsset = rowBase
		}
		usd, err := t.toUSD(row.Amount, rowAsset)
		if err != nil {
			return amount{}, err
		}
		borrowedUSD += usd
	}

	var maxBorrowUSD float64
	if t.cfg.Isolated {
		maxBorrow, err := t.exchange.GetMaxBorrowable(asset, pair)
		if err != nil {
			return amount{}, err
		}
		if maxBorrowUSD, err = t.pairToUSD(maxBorrow, asset, pair, pairPrice); err != nil {
			return amount{}, err
		}
	} else {
		// cross margin headroom is quoted in USD
		if maxBorrowUSD, err = t.exchange.GetMaxBorrowable("USDT", ""); err != nil {
			return amount{}, err
		}
	}

	total := borrowedUSD + maxBorrowUSD
	usd := perc.Sub(1, total/t.cfg.Divisor)
	if usd > maxBorrowUSD {
		usd = perc.Sub(10, maxBorrowUSD)
	}

	v, err := t.pairFromUSD(usd, asset, pair, pairPrice)
	if err != nil {
		return amount{}, err
	}
	t.logger.Debug("Borrow sizing", zap.String("pair", pair), zap.Float64("borrowed_usd", borrowedUSD),
		zap.Float64("max_borrow_usd", maxBorrowUSD), zap.Float64("loan_usd", usd))
	return amount{Asset: asset, Amount: v, USD: usd}, nil
}

// maxTradeUSD is the max_trade_usd ledger override when set, else the configured value.
func (t *Trader) maxTradeUSD() (float64, error) {
	v, found, err := t.ledger.VarValue("max_trade_usd")
	if err != nil {
		return 0, err
	}
	if !found {
		return t.cfg.MaxTradeUSD, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid max_trade_usd %q: %w", v, err)
	}
	return f, nil
}

// totalAmountToUse splits the trade size between balance and loan so that together they
// never exceed max_trade_usd. Spot trades never borrow.
func (t *Trader) totalAmountToUse(pair string, pairPrice float64) (sizing, error) {
	totalMax, err := t.maxTradeUSD()
	if err != nil {
		return sizing{}, err
	}

	bal, err := t.balanceToUse(pair, pairPrice)
	if err != nil {
		return sizing{}, fmt.Errorf("failed to get balance for %s: %w", pair, err)
	}
	out := sizing{Asset: bal.Asset, Balance: bal.Amount, BalanceUSD: bal.USD}

	if bal.USD > totalMax {
		out.BalanceUSD = totalMax
		if out.Balance, err = t.pairFromUSD(totalMax, bal.Asset, pair, pairPrice); err != nil {
			return sizing{}, err
		}
		return out, nil
	}

	if !t.margin() {
		return out, nil
	}

	loan, err := t.amountToBorrow(pair, pairPrice)
	if err != nil {
		return sizing{}, fmt.Errorf("failed to size loan for %s: %w", pair, err)
	}
	out.Loan, out.LoanUSD = loan.Amount, loan.USD

	remaining := totalMax - bal.USD
	if out.LoanUSD > remaining {
		out.LoanUSD = remaining
		if out.Loan, err = t.pairFromUSD(remaining, bal.Asset, pair, pairPrice); err != nil {
			return sizing{}, err
		}
	}
	return out, nil
}
