package trader

import (
	"testing"
	"time"

	"greencandle-go/internal/config"
	"greencandle-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalAmountToUse_CrossMarginLong(t *testing.T) {
	testCases := []struct {
		name        string
		free        float64
		maxBorrow   float64
		borrowed    float64
		maxTradeVar string
		balance     float64
		loan        float64
	}{
		{name: "loan fills the remainder", free: 500, maxBorrow: 2000, balance: 495, loan: 505},
		{name: "balance above max", free: 5000, maxBorrow: 2000, balance: 1000, loan: 0},
		{name: "small headroom", free: 100, maxBorrow: 50, balance: 99, loan: 49.5},
		{name: "existing loans capped by headroom", free: 100, maxBorrow: 50, borrowed: 1000, balance: 99, loan: 45},
		{name: "max_trade_usd override", free: 500, maxBorrow: 2000, maxTradeVar: "200", balance: 200, loan: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := marginConfig(config.DirectionLong)
			cfg.Production = true
			tr, mockClient, l, _ := setupTest(t, cfg)
			mockClient.On("GetCrossMarginFree").Return(map[string]float64{"USDT": tc.free}, nil)
			mockClient.On("GetMaxBorrowable", "USDT", "").Return(tc.maxBorrow, nil).Maybe()

			if tc.borrowed > 0 {
				require.NoError(t, l.InsertTrade(&models.Trade{
					Pair: "ETHUSDT", Name: "other", Direction: "long", TradeType: "margin", MarginMode: "cross",
					SymbolName: "USDT", OpenTime: time.Now(), OpenPrice: 1000, Borrowed: tc.borrowed,
				}))
			}
			if tc.maxTradeVar != "" {
				require.NoError(t, l.SetVar("max_trade_usd", tc.maxTradeVar))
			}

			size, err := tr.totalAmountToUse("BTCUSDT", 20000)
			require.NoError(t, err)
			assert.Equal(t, "USDT", size.Asset)
			assert.InDelta(t, tc.balance, size.Balance, 1e-9)
			assert.InDelta(t, tc.loan, size.Loan, 1e-9)

			totalMax, err := tr.maxTradeUSD()
			require.NoError(t, err)
			assert.LessOrEqual(t, size.BalanceUSD+size.LoanUSD, totalMax)
		})
	}
}

func TestTotalAmountToUse_IsolatedShort(t *testing.T) {
	cfg := marginConfig(config.DirectionShort)
	cfg.Production = true
	cfg.Isolated = true
	tr, mockClient, _, _ := setupTest(t, cfg)
	mockClient.On("GetIsolatedMarginFree", "BTCUSDT").Return(map[string]float64{"BTC": 0.01, "USDT": 50}, nil)
	mockClient.On("GetMaxBorrowable", "BTC", "BTCUSDT").Return(0.02, nil)

	size, err := tr.totalAmountToUse("BTCUSDT", 20000)
	require.NoError(t, err)
	assert.Equal(t, "BTC", size.Asset)
	assert.InDelta(t, 0.0099, size.Balance, 1e-12)
	assert.InDelta(t, 198.0, size.BalanceUSD, 1e-9)
	assert.InDelta(t, 0.0198, size.Loan, 1e-12)
	assert.InDelta(t, 396.0, size.LoanUSD, 1e-9)
	mockClient.AssertExpectations(t)
}

func TestTotalAmountToUse_Spot(t *testing.T) {
	cfg := spotConfig()
	cfg.Production = true
	tr, mockClient, _, _ := setupTest(t, cfg)
	mockClient.On("GetSpotBalances").Return(map[string]float64{"USDT": 50}, nil)

	size, err := tr.totalAmountToUse("BTCUSDT", 20000)
	require.NoError(t, err)
	assert.Equal(t, 49.5, size.Balance)
	assert.Zero(t, size.Loan)
	mockClient.AssertNotCalled(t, "GetMaxBorrowable", "USDT", "")
}

func TestTotalAmountToUse_EmptyBalance(t *testing.T) {
	cfg := spotConfig()
	cfg.Production = true
	tr, mockClient, _, _ := setupTest(t, cfg)
	mockClient.On("GetSpotBalances").Return(map[string]float64{"BTC": 1}, nil)

	size, err := tr.totalAmountToUse("BTCUSDT", 20000)
	require.NoError(t, err)
	assert.Zero(t, size.Balance)
	assert.Zero(t, size.BalanceUSD)
}

func TestTestBalance_GrowsWithLastTrade(t *testing.T) {
	cfg := spotConfig()
	cfg.TestData = true
	tr, _, l, _ := setupTest(t, cfg)
	require.NoError(t, l.InsertTrade(&models.Trade{
		Pair: "BTCUSDT", Name: "alpha", Direction: "long", TradeType: "spot", SymbolName: "USDT",
		OpenTime: time.Now(), OpenPrice: 100, QuoteIn: 25000,
	}))

	balances, err := tr.testBalance()
	require.NoError(t, err)
	assert.Equal(t, 25000.0, balances["USDT"])
	assert.Equal(t, 10000.0, balances["USDC"])
	assert.Equal(t, 0.47, balances["BTC"])
}
