package trader

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"greencandle-go/internal/models"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAPIServer_Health(t *testing.T) {
	tr, _, _, _ := setupTest(t, spotConfig())
	s := NewAPIServer(0, tr, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestAPIServer_Status(t *testing.T) {
	tr, _, l, _ := setupTest(t, spotConfig())
	require.NoError(t, l.InsertTrade(&models.Trade{
		Pair: "ETHUSDT", Name: "alpha", Direction: "long", TradeType: "spot", OpenTime: time.Now(), OpenPrice: 1000, QuoteIn: 50,
	}))
	s := NewAPIServer(0, tr, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status struct {
		UUID       string `json:"uuid"`
		Name       string `json:"name"`
		Direction  string `json:"direction"`
		Drain      bool   `json:"drain"`
		OpenTrades []struct {
			Pair    string  `json:"pair"`
			QuoteIn float64 `json:"quote_in"`
		} `json:"open_trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.UUID)
	assert.Equal(t, "alpha", status.Name)
	assert.Equal(t, "long", status.Direction)
	assert.False(t, status.Drain)
	require.Len(t, status.OpenTrades, 1)
	assert.Equal(t, "ETHUSDT", status.OpenTrades[0].Pair)
	assert.Equal(t, 50.0, status.OpenTrades[0].QuoteIn)
}

func TestAPIServer_Metrics(t *testing.T) {
	tr, _, _, _ := setupTest(t, spotConfig())
	s := NewAPIServer(0, tr, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "greencandle_open_trades")
}
