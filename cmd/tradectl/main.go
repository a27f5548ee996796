package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"greencandle-go/internal/binance"
	"greencandle-go/internal/config"
	"greencandle-go/internal/database"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/logger"
	"greencandle-go/internal/models"
	"greencandle-go/internal/notify"
	"greencandle-go/internal/trader"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

const usage = `usage: tradectl [-config DIR] <command>

commands:
  trades              list open trades
  stats               win rate and profit for the last 24h and all time
  show ID             show one trade
  close PAIR PRICE    close the open trades of PAIR at PRICE
  set NAME VALUE      set a runtime override (max_trade_usd, complete_commission)
  drain on|off        block or allow new trades
`

func main() {
	configDir := flag.String("config", "./configs", "directory containing config.yml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := run(*configDir, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "tradectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string, args []string, out io.Writer) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	if args[0] == "drain" {
		if len(args) != 2 {
			return errors.New("usage: drain on|off")
		}
		return setDrain(cfg.Trading.ManualDrainFile, args[1])
	}

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)
	trades := ledger.New(db)

	switch args[0] {
	case "trades":
		open, err := trades.OpenTrades(ledger.Scope{})
		if err != nil {
			return err
		}
		return printTrades(out, open)
	case "stats":
		now := time.Now()
		day, err := trades.ClosedTrades(now.Add(-24 * time.Hour))
		if err != nil {
			return err
		}
		all, err := trades.ClosedTrades(time.Time{})
		if err != nil {
			return err
		}
		return printStats(out, map[string][]models.Trade{"24h": day, "all": all})
	case "show":
		if len(args) != 2 {
			return errors.New("usage: show ID")
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid trade id %q", args[1])
		}
		return showTrade(out, trades, uint(id))
	case "set":
		if len(args) != 3 {
			return errors.New("usage: set NAME VALUE")
		}
		return setVar(trades, args[1], args[2])
	case "close":
		if len(args) != 3 {
			return errors.New("usage: close PAIR PRICE")
		}
		price, err := strconv.ParseFloat(args[2], 64)
		if err != nil || price <= 0 {
			return fmt.Errorf("invalid price %q", args[2])
		}
		return closePair(&cfg, trades, args[1], price)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func setDrain(path, state string) error {
	if path == "" {
		return errors.New("trading.manual_drain_file is not configured")
	}
	switch state {
	case "on":
		return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644)
	case "off":
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("invalid drain state %q", state)
	}
}

// overrides are the ledger variables the trader reads at runtime.
var overrides = map[string]bool{
	"max_trade_usd":       true,
	"complete_commission": true,
}

func setVar(trades *ledger.Ledger, name, value string) error {
	if !overrides[name] {
		return fmt.Errorf("unknown variable %q", name)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		return fmt.Errorf("invalid value %q for %s", value, name)
	}
	return trades.SetVar(name, value)
}

func showTrade(w io.Writer, trades *ledger.Ledger, id uint) error {
	trade, err := trades.Trade(id)
	if err != nil {
		return err
	}
	if err := printTrades(w, []models.Trade{*trade}); err != nil {
		return err
	}
	if trade.IsOpen() {
		_, err = fmt.Fprintln(w, "open")
		return err
	}
	closed := "-"
	if trade.CloseTime != nil {
		closed = humanize.Time(*trade.CloseTime)
	}
	_, err = fmt.Fprintf(w, "closed %s at %s by %s, profit %s %s (%.2f%%)\n",
		closed, humanize.FtoaWithDigits(*trade.ClosePrice, 8), trade.ClosedBy,
		humanize.FtoaWithDigits(trade.QuoteProfit(), 8), trade.SymbolName, trade.ProfitPerc())
	return err
}

func closePair(cfg *config.Config, trades *ledger.Ledger, pair string, price float64) error {
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.File)
	if err != nil {
		return err
	}
	defer log.Sync()

	client := binance.NewRestClient(&cfg.Binance, log)
	tr, err := trader.NewTrader(cfg, client, trades, notify.LogSink{Logger: log}, log)
	if err != nil {
		return err
	}
	ok, err := tr.CloseTrade(trader.CloseRequest{
		Candidates: []trader.PairEvent{{Pair: pair, Time: time.Now(), Price: price, Event: "manual"}},
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("could not close %s", pair)
	}
	log.Info("Closed trade", zap.String("pair", pair), zap.Float64("price", price))
	return nil
}

func printTrades(w io.Writer, trades []models.Trade) error {
	data := make([][]string, 0, len(trades))
	for _, t := range trades {
		data = append(data, []string{
			t.Pair,
			t.Name,
			t.Direction,
			t.TradeType,
			humanize.Time(t.OpenTime),
			humanize.FtoaWithDigits(t.OpenPrice, 8),
			humanize.FtoaWithDigits(t.QuoteIn, 8) + " " + t.SymbolName,
			humanize.FtoaWithDigits(t.Borrowed, 8),
		})
	}

	table := tablewriter.NewTable(w)
	table.Header([]string{"Pair", "Name", "Direction", "Type", "Opened", "Price", "Quote", "Borrowed"})
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

type quoteStats struct {
	trades int
	wins   int
	profit float64
}

func summarise(trades []models.Trade) map[string]*quoteStats {
	stats := make(map[string]*quoteStats)
	for i := range trades {
		t := &trades[i]
		s, ok := stats[t.SymbolName]
		if !ok {
			s = &quoteStats{}
			stats[t.SymbolName] = s
		}
		s.trades++
		if p := t.QuoteProfit(); p > 0 {
			s.wins++
		}
		s.profit += t.QuoteProfit()
	}
	return stats
}

func printStats(w io.Writer, periods map[string][]models.Trade) error {
	names := make([]string, 0, len(periods))
	for name := range periods {
		names = append(names, name)
	}
	sort.Strings(names)

	var data [][]string
	for _, name := range names {
		stats := summarise(periods[name])
		quotes := make([]string, 0, len(stats))
		for q := range stats {
			quotes = append(quotes, q)
		}
		sort.Strings(quotes)
		for _, q := range quotes {
			s := stats[q]
			data = append(data, []string{
				name,
				q,
				strconv.Itoa(s.trades),
				fmt.Sprintf("%.1f%%", float64(s.wins)/float64(s.trades)*100),
				humanize.CommafWithDigits(s.profit, 4),
			})
		}
	}

	table := tablewriter.NewTable(w)
	table.Header([]string{"Period", "Quote", "Trades", "Win rate", "Profit"})
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
