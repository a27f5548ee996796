package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"greencandle-go/internal/config"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// ErrNoCandle is returned when a snapshot carries no ohlc field.
var ErrNoCandle = errors.New("snapshot has no candle")

const candleField = "ohlc"

// Candle is the raw kline a snapshot was computed from.
type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	NumTrades float64 `json:"numTrades"`
	Date      int64   `json:"date"` // close time in milliseconds
}

type indicatorResult struct {
	Result *float64 `json:"result"`
}

// Store keeps per pair/interval indicator snapshots and the transient water marks of open
// trades in Redis. Snapshot keys are PAIR:INTERVAL:MILLIS hashes.
type Store struct {
	client *redis.Client
	expire bool
	ttl    time.Duration
}

// New wraps an existing client.
func New(client *redis.Client, expire bool, ttl time.Duration) *Store {
	return &Store{client: client, expire: expire, ttl: ttl}
}

// Connect opens a client from configuration and checks it is reachable.
func Connect(ctx context.Context, cfg *config.Redis) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Expire, cfg.TTL), nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key builds the snapshot key for a candle close time.
func Key(pair, interval string, millis int64) string {
	return fmt.Sprintf("%s:%s:%d", pair, interval, millis)
}

// AddSnapshot stores one candle with its indicator results.
func (s *Store) AddSnapshot(ctx context.Context, pair, interval string, millis int64, candle Candle, indicators map[string]float64) error {
	key := Key(pair, interval, millis)

	raw, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("failed to encode candle: %w", err)
	}
	fields := map[string]interface{}{candleField: raw}
	for name, value := range indicators {
		v := value
		enc, err := json.Marshal(indicatorResult{Result: &v})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		fields[name] = enc
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.expire && s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add snapshot %s: %w", key, err)
	}
	return nil
}

// RecentSnapshots returns up to n snapshot keys for pair/interval, oldest first.
func (s *Store) RecentSnapshots(ctx context.Context, pair, interval string, n int) ([]string, error) {
	prefix := pair + ":" + interval + ":"

	type stamped struct {
		key    string
		millis int64
	}
	var found []stamped

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		millis, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, stamped{key: key, millis: millis})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots for %s %s: %w", pair, interval, err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].millis < found[j].millis })
	if len(found) > n {
		found = found[len(found)-n:]
	}

	keys := make([]string, len(found))
	for i, f := range found {
		keys[i] = f.key
	}
	return keys, nil
}

// SnapshotField decodes one indicator result. A missing field or null result is nil.
func (s *Store) SnapshotField(ctx context.Context, key, indicator string) (*float64, error) {
	raw, err := s.client.HGet(ctx, key, indicator).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", indicator, key, err)
	}

	var res indicatorResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode %s from %s: %w", indicator, key, err)
	}
	return res.Result, nil
}

// Candle decodes the raw kline of a snapshot.
func (s *Store) Candle(ctx context.Context, key string) (*Candle, error) {
	raw, err := s.client.HGet(ctx, key, candleField).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCandle
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candle from %s: %w", key, err)
	}

	var c Candle
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode candle from %s: %w", key, err)
	}
	return &c, nil
}

func highKey(pair, interval string) string { return fmt.Sprintf("highClose_%s_%s", pair, interval) }
func lowKey(pair, interval string) string  { return fmt.Sprintf("lowClose_%s_%s", pair, interval) }

// SetHighWaterMark stores price when it is above the current mark or no mark exists.
func (s *Store) SetHighWaterMark(ctx context.Context, pair, interval string, price float64) error {
	return s.setMark(ctx, highKey(pair, interval), price, func(stored float64) bool { return price > stored })
}

// HighWaterMark returns the highest price seen since the trade opened.
func (s *Store) HighWaterMark(ctx context.Context, pair, interval string) (float64, bool, error) {
	return s.getMark(ctx, highKey(pair, interval))
}

// ClearHighWaterMark drops the mark.
func (s *Store) ClearHighWaterMark(ctx context.Context, pair, interval string) error {
	return s.clearMark(ctx, highKey(pair, interval))
}

// SetLowWaterMark stores price when it is below the current mark or no mark exists.
func (s *Store) SetLowWaterMark(ctx context.Context, pair, interval string, price float64) error {
	return s.setMark(ctx, lowKey(pair, interval), price, func(stored float64) bool { return price < stored })
}

// LowWaterMark returns the lowest price seen since the trade opened.
func (s *Store) LowWaterMark(ctx context.Context, pair, interval string) (float64, bool, error) {
	return s.getMark(ctx, lowKey(pair, interval))
}

// ClearLowWaterMark drops the mark.
func (s *Store) ClearLowWaterMark(ctx context.Context, pair, interval string) error {
	return s.clearMark(ctx, lowKey(pair, interval))
}

func (s *Store) setMark(ctx context.Context, key string, price float64, replace func(stored float64) bool) error {
	stored, ok, err := s.getMark(ctx, key)
	if err != nil {
		return err
	}
	if ok && !replace(stored) {
		return nil
	}
	if err := s.client.Set(ctx, key, strconv.FormatFloat(price, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getMark(ctx context.Context, key string) (float64, bool, error) {
	v, err := s.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) clearMark(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Clear wipes the whole database; used by tests and simulations.
func (s *Store) Clear(ctx context.Context) error {
	return s.client.FlushDB(ctx).Err()
}
