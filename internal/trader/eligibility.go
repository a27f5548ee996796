package trader

import (
	"os"
	"regexp"
	"slices"
	"strings"

	"greencandle-go/internal/notify"

	"go.uber.org/zap"
)

// checkPairs drops candidates that cannot be opened now. Accepted candidates use up the
// available slots in input order. A strategy in drain rejects the whole batch.
func (t *Trader) checkPairs(candidates []PairEvent) []PairEvent {
	open, err := t.ledger.OpenTrades(t.scope())
	if err != nil {
		t.logger.Error("Failed to get open trades", zap.Error(err))
		return nil
	}
	openPairs := make(map[string]bool, len(open))
	for _, tr := range open {
		openPairs[tr.Pair] = true
	}

	slots := t.cfg.MaxTrades - len(open)
	t.logger.Info("Open slots available", zap.Int("slots", slots))

	var accepted []PairEvent
	for _, c := range candidates {
		var v verdict
		t.isolate(c.Pair, func() bool {
			v = t.checkPair(c, candidates, openPairs, slots)
			return true
		})
		switch v {
		case abortBatch:
			return nil
		case acceptPair:
			accepted = append(accepted, c)
			openPairs[c.Pair] = true
			slots--
		}
	}
	return accepted
}

type verdict int

const (
	skipPair verdict = iota
	acceptPair
	abortBatch
)

// checkPair sizes and filters one candidate. A panic leaves the verdict at skipPair.
func (t *Trader) checkPair(c PairEvent, candidates []PairEvent, openPairs map[string]bool, slots int) verdict {
	l := t.logger.With(zap.String("pair", c.Pair), zap.String("direction", t.cfg.TradeDirection))

	if !t.cfg.TestTrade {
		size, err := t.totalAmountToUse(c.Pair, c.Price)
		if err != nil {
			l.Error("Failed to size trade, skipping", zap.Error(err))
			return skipPair
		}
		if size.Balance+size.Loan == 0 {
			l.Warn("Insufficient funds available, skipping")
			return skipPair
		}
	}

	switch {
	case openPairs[c.Pair]:
		l.Warn("We already have a trade, skipping")
	case !t.cfg.IsManual() && !t.cfg.TestData && !slices.Contains(t.cfg.Pairs, c.Pair):
		l.Error("Pair not in configured pairs, skipping")
	case !t.cfg.TestData && t.inDrain():
		l.Warn("Strategy is in drain, skipping")
		t.notifier.Emit(notify.ChannelTrades, notify.Text("strategy %s is in drain, skipping %s", t.cfg.Name, c.Pair))
		return abortBatch
	case (c.Hint > 0 && t.short()) || (c.Hint < 0 && !t.short()):
		l.Info("Wrong trade direction")
	case slots <= 0:
		pairs := make([]string, len(candidates))
		for i, p := range candidates {
			pairs[i] = p.Pair
		}
		l.Warn("Too many trades, skipping", zap.Strings("candidates", pairs))
		t.notifier.Emit(notify.ChannelAlerts, notify.Text("Too many trades for %s, skipping %s",
			t.cfg.TradeDirection, c.Pair))
	default:
		return acceptPair
	}
	return skipPair
}

var drainRange = regexp.MustCompile(`(\d\d:\d\d)\s?-\s?(\d\d:\d\d)`)

// inDrain reports whether new trades are blocked: by the manual drain file, the drain file,
// or the configured daily time range when drain is enabled. Ranges may wrap past midnight.
func (t *Trader) inDrain() bool {
	if fileExists(t.cfg.ManualDrainFile) || fileExists(t.cfg.DrainFile) {
		return true
	}
	if !t.cfg.Drain {
		return false
	}

	m := drainRange.FindStringSubmatch(strings.TrimSpace(t.cfg.DrainRange))
	if m == nil {
		t.logger.Warn("Invalid drain range", zap.String("range", t.cfg.DrainRange))
		return false
	}
	start, end := m[1], m[2]
	now := t.now().Format("15:04")
	if end < start {
		return now >= start || now <= end
	}
	return start <= now && now <= end
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
