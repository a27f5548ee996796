package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Channels a message can be emitted on.
const (
	ChannelTrades        = "trades"
	ChannelAlerts        = "alerts"
	ChannelNotifications = "notifications"
)

// Trade actions carried by a TradeEvent.
const (
	ActionOpen  = "OPEN"
	ActionClose = "CLOSE"
)

// TradeEvent is a finalized open or close, as recorded in the ledger.
type TradeEvent struct {
	Action     string    `json:"action"`
	Pair       string    `json:"pair"`
	Name       string    `json:"name"`
	Interval   string    `json:"interval"`
	Direction  string    `json:"direction"`
	TradeType  string    `json:"trade_type"`
	Event      string    `json:"event"`
	Price      float64   `json:"price"`
	Quote      float64   `json:"quote"`
	QuoteUSD   float64   `json:"quote_usd"`
	Base       float64   `json:"base"`
	Borrowed   float64   `json:"borrowed"`
	Commission float64   `json:"commission"`
	Perc       *float64  `json:"perc,omitempty"`
	ProfitUSD  *float64  `json:"profit_usd,omitempty"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time,omitempty"`
}

// Message is what sinks deliver. Event is set for trade messages.
type Message struct {
	Text  string      `json:"text"`
	Event *TradeEvent `json:"event,omitempty"`
}

// Sink delivers messages. Emit never fails the caller; delivery errors are logged by the sink.
type Sink interface {
	Emit(channel string, msg Message)
}

// Text returns a plain message.
func Text(format string, args ...interface{}) Message {
	return Message{Text: fmt.Sprintf(format, args...)}
}

// Trade renders a trade event into a message.
func Trade(ev TradeEvent) Message {
	var b strings.Builder
	icon := "🟢"
	if ev.Action == ActionClose {
		icon = "🔴"
		if ev.ProfitUSD != nil && *ev.ProfitUSD > 0 {
			icon = "💰"
		}
	}
	fmt.Fprintf(&b, "%s %s %s %s (%s)\n", icon, ev.Action, ev.Direction, ev.Pair, ev.Event)
	fmt.Fprintf(&b, "price: %s\n", humanize.FtoaWithDigits(ev.Price, 8))
	fmt.Fprintf(&b, "quote: %s ($%s)\n", humanize.FtoaWithDigits(ev.Quote, 8), humanize.CommafWithDigits(ev.QuoteUSD, 2))
	if ev.Perc != nil {
		fmt.Fprintf(&b, "perc: %.2f%%\n", *ev.Perc)
	}
	if ev.ProfitUSD != nil {
		fmt.Fprintf(&b, "profit: $%s\n", humanize.CommafWithDigits(*ev.ProfitUSD, 2))
	}
	if ev.Action == ActionClose && !ev.OpenTime.IsZero() {
		fmt.Fprintf(&b, "opened %s\n", humanize.RelTime(ev.OpenTime, ev.CloseTime, "before close", "after close"))
	}
	fmt.Fprintf(&b, "%s %s", ev.Name, ev.Interval)
	return Message{Text: b.String(), Event: &ev}
}

// Fanout emits every message on all of its sinks.
type Fanout []Sink

func (f Fanout) Emit(channel string, msg Message) {
	for _, s := range f {
		s.Emit(channel, msg)
	}
}

// LogSink writes messages to the log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(channel string, msg Message) {
	fields := []zap.Field{zap.String("channel", channel), zap.String("text", msg.Text)}
	if channel == ChannelAlerts {
		s.Logger.Warn("alert", fields...)
		return
	}
	s.Logger.Info("notification", fields...)
}
