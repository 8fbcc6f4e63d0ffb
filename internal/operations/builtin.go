package operations

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// tradeStepDelay 模擬交易流程中每一步的等待時間
var tradeStepDelay = 500 * time.Millisecond

// Builtin 回傳內建操作目錄
//
// 內建操作皆使用模擬資料，不連線任何真實的券商或行情來源。
// 舊版 tasks.yaml 的模組寫法（tasks.scan_market:main）也登錄為別名。
func Builtin() *Catalogue {
	c := NewCatalogue()
	c.MustRegister("market:scan", ScanMarket)
	c.MustRegister("portfolio:analyze", AnalyzePortfolio)
	c.MustRegister("trade:test", TestTrade)

	c.MustRegister("tasks.scan_market:main", ScanMarket)
	c.MustRegister("tasks.analyze_portfolio:main", AnalyzePortfolio)
	c.MustRegister("tasks.test_trade:main", TestTrade)
	return c
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// ScanMarket 掃描主要指數，變動超過 1.5% 時加入警示條件
func ScanMarket(ctx context.Context) (any, error) {
	nikkeiChange := round2(rand.Float64()*4 - 2)
	topixChange := round2(rand.Float64()*3 - 1.5)

	alerts := []string{}
	volatility := "normal"
	if math.Abs(nikkeiChange) > 1.5 {
		alerts = append(alerts, fmt.Sprintf("NIKKEI225 moved %+.2f%%", nikkeiChange))
		volatility = "high"
	}

	return map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
		"indices": map[string]any{
			"NIKKEI225": map[string]any{"value": 33000 + rand.Intn(1001) - 500, "change_pct": nikkeiChange},
			"TOPIX":     map[string]any{"value": 2400 + rand.Intn(101) - 50, "change_pct": topixChange},
		},
		"volatility":       volatility,
		"alert_conditions": alerts,
	}, nil
}

// AnalyzePortfolio 計算持倉配置與當日損益，並給出再平衡建議
func AnalyzePortfolio(ctx context.Context) (any, error) {
	positions := []map[string]any{
		{"instrument": "NIKKEI225 index fund", "quantity": 100, "current_value": 450000, "pnl": 15000, "pnl_pct": 3.45},
		{"instrument": "US equity ETF", "quantity": 50, "current_value": 350000, "pnl": -8000, "pnl_pct": -2.23},
		{"instrument": "USD/JPY", "quantity": 0.5, "current_value": 100000, "pnl": 2000, "pnl_pct": 2.04},
	}
	allocation := map[string]float64{"equity": 66.7, "fx": 8.3, "cash": 25.0}

	suggestions := []string{}
	if allocation["cash"] < 20 {
		suggestions = append(suggestions, "cash ratio is low, consider trimming risk assets")
	}
	if allocation["equity"] > 70 {
		suggestions = append(suggestions, "equity ratio is high, consider diversifying")
	}

	return map[string]any{
		"timestamp":             time.Now().Format(time.RFC3339),
		"total_value":           1200000,
		"cash":                  300000,
		"positions":             positions,
		"allocation":            allocation,
		"daily_pnl":             rand.Intn(20001) - 10000,
		"total_pnl":             9000,
		"rebalance_suggestions": suggestions,
	}, nil
}

// TestTrade 以最小單位模擬一次完整的下單流程
func TestTrade(ctx context.Context) (any, error) {
	steps := []string{"login_verified", "trading_page_accessed", "buy_order_placed", "position_verified", "position_closed"}
	completed := make([]string, 0, len(steps))

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("test trade interrupted after %d steps: %w", len(completed), ctx.Err())
		case <-time.After(tradeStepDelay):
		}
		completed = append(completed, step)
	}

	return map[string]any{
		"timestamp":              time.Now().Format(time.RFC3339),
		"trade_type":             "test",
		"instrument":             "USD/JPY",
		"amount":                 0.01,
		"steps_completed":        completed,
		"environment_stable":     true,
		"ready_for_live_trading": len(completed) == len(steps),
		"success":                true,
	}, nil
}
