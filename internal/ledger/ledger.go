package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"greencandle-go/internal/models"

	"gorm.io/gorm"
)

// ErrNoOpenTrade is returned when a close finds no matching open row.
var ErrNoOpenTrade = errors.New("no open trade")

// AnyName matches trades of every strategy; used by manual/api strategies.
const AnyName = "api"

// Scope narrows trade queries to one strategy and direction. Empty fields match everything.
type Scope struct {
	Name      string
	Direction string
}

func (s Scope) apply(tx *gorm.DB) *gorm.DB {
	if s.Name != "" && s.Name != AnyName {
		tx = tx.Where("name = ?", s.Name)
	}
	if s.Direction != "" {
		tx = tx.Where("direction = ?", s.Direction)
	}
	return tx
}

// CloseFields are the values written to a trade row when it is closed.
type CloseFields struct {
	CloseTime  time.Time
	ClosePrice float64
	QuoteOut   float64
	BaseOut    float64
	Commission float64
	OrderID    int64
	Drawdown   float64
	Drawup     float64
	ClosedBy   string
}

// Borrowed is one open trade's outstanding loan.
type Borrowed struct {
	Pair      string
	Amount    float64
	Direction string
}

// Ledger is the relational record of trades, backed by gorm.
type Ledger struct {
	db *gorm.DB
}

// New wraps an open, migrated database.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) open() *gorm.DB {
	return l.db.Model(&models.Trade{}).Where("close_price IS NULL")
}

// OpenTrades lists open trades within scope, oldest first.
func (l *Ledger) OpenTrades(scope Scope) ([]models.Trade, error) {
	var trades []models.Trade
	if err := scope.apply(l.open()).Order("id asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get open trades: %w", err)
	}
	return trades, nil
}

// OpenTradeEntry returns the oldest open trade for pair within scope.
func (l *Ledger) OpenTradeEntry(pair string, scope Scope) (*models.Trade, error) {
	var trade models.Trade
	err := scope.apply(l.open()).Where("pair = ?", pair).Order("id asc").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoOpenTrade
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open trade for %s: %w", pair, err)
	}
	return &trade, nil
}

// CountOpenTrades counts open rows for pair within scope.
func (l *Ledger) CountOpenTrades(pair string, scope Scope) (int64, error) {
	var count int64
	if err := scope.apply(l.open()).Where("pair = ?", pair).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count open trades for %s: %w", pair, err)
	}
	return count, nil
}

// InsertTrade records a newly opened trade.
func (l *Ledger) InsertTrade(trade *models.Trade) error {
	if trade.ClosePrice != nil {
		return fmt.Errorf("refusing to insert closed trade for %s", trade.Pair)
	}
	if err := l.db.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to insert trade for %s: %w", trade.Pair, err)
	}
	return nil
}

// CloseTrade sets the close fields of the oldest open trade for pair within scope and
// returns the updated row. A row is only ever closed once.
func (l *Ledger) CloseTrade(pair string, scope Scope, fields CloseFields) (*models.Trade, error) {
	var closed models.Trade
	err := l.db.Transaction(func(tx *gorm.DB) error {
		q := scope.apply(tx.Model(&models.Trade{}).Where("close_price IS NULL"))
		if err := q.Where("pair = ?", pair).Order("id asc").First(&closed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoOpenTrade
			}
			return err
		}

		res := tx.Model(&models.Trade{}).
			Where("id = ? AND close_price IS NULL", closed.ID).
			Updates(map[string]interface{}{
				"close_time":       fields.CloseTime,
				"close_price":      fields.ClosePrice,
				"quote_out":        fields.QuoteOut,
				"base_out":         fields.BaseOut,
				"close_commission": fields.Commission,
				"close_order_id":   fields.OrderID,
				"drawdown":         fields.Drawdown,
				"drawup":           fields.Drawup,
				"closed_by":        fields.ClosedBy,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrNoOpenTrade
		}
		return tx.First(&closed, closed.ID).Error
	})
	if errors.Is(err, ErrNoOpenTrade) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close trade for %s: %w", pair, err)
	}
	return &closed, nil
}

// Trade fetches a single row by id.
func (l *Ledger) Trade(id uint) (*models.Trade, error) {
	var trade models.Trade
	if err := l.db.First(&trade, id).Error; err != nil {
		return nil, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return &trade, nil
}

// ClosedTrades lists trades closed at or after since, most recent first.
func (l *Ledger) ClosedTrades(since time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := l.db.Where("close_price IS NOT NULL AND close_time >= ?", since).
		Order("close_time desc").Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get closed trades: %w", err)
	}
	return trades, nil
}

// CurrentlyBorrowed lists outstanding loans of open trades in the given margin mode.
// An empty pair matches every pair (cross margin shares one pool).
func (l *Ledger) CurrentlyBorrowed(pair, mode string) ([]Borrowed, error) {
	var rows []Borrowed
	q := l.open().Select("pair, borrowed AS amount, direction").
		Where("margin_mode = ? AND borrowed > 0", mode)
	if pair != "" {
		q = q.Where("pair = ?", pair)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get current borrowed: %w", err)
	}
	return rows, nil
}

// CompleteCommission is the historical round-trip commission rate in percent. An explicit
// complete_commission variable wins over the figure derived from closed USD-quoted trades.
// ok is false when neither is available.
func (l *Ledger) CompleteCommission() (rate float64, ok bool, err error) {
	if v, found, err := l.VarValue("complete_commission"); err != nil {
		return 0, false, err
	} else if found {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid complete_commission %q: %w", v, err)
		}
		return rate, true, nil
	}

	var agg struct {
		Commission float64
		Quote      float64
	}
	err = l.db.Model(&models.Trade{}).
		Select("COALESCE(SUM(open_commission + close_commission), 0) AS commission, COALESCE(SUM(quote_in), 0) AS quote").
		Where("close_price IS NOT NULL AND symbol_name LIKE ? AND (open_commission + close_commission) > 0", "%USD%").
		Scan(&agg).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to get complete commission: %w", err)
	}
	if agg.Quote <= 0 {
		return 0, false, nil
	}
	return agg.Commission / agg.Quote * 100, true, nil
}

// LastQuoteIn returns the quote amount of the most recently opened trade quoted in quote.
func (l *Ledger) LastQuoteIn(quote string) (float64, error) {
	var trade models.Trade
	err := l.db.Where("symbol_name = ?", quote).Order("open_time desc").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last quote_in for %s: %w", quote, err)
	}
	return trade.QuoteIn, nil
}

// VarValue reads a runtime override.
func (l *Ledger) VarValue(name string) (string, bool, error) {
	var v models.Variable
	err := l.db.Where("name = ?", name).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get variable %s: %w", name, err)
	}
	return v.Value, true, nil
}

// SetVar creates or replaces a runtime override.
func (l *Ledger) SetVar(name, value string) error {
	v := models.Variable{Name: name}
	if err := l.db.Where(models.Variable{Name: name}).Assign(models.Variable{Value: value}).FirstOrCreate(&v).Error; err != nil {
		return fmt.Errorf("failed to set variable %s: %w", name, err)
	}
	return nil
}
