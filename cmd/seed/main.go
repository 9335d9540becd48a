// Command seed populates a database with demo users and markets so the
// engine has something to trade against out of the box.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/market-engine/internal/config"
	"github.com/papertrade/market-engine/internal/ledger"
	"github.com/papertrade/market-engine/internal/model"
	"github.com/papertrade/market-engine/internal/store"
)

const demoUsers = 20

// Demo markets: name, outcomes, and rough opening odds.
var demoMarkets = []struct {
	name     string
	desc     string
	outcomes []string
	odds     []float64
}{
	{
		name:     "Who wins the championship final?",
		desc:     "Settles when the final whistle blows.",
		outcomes: []string{"Home", "Away", "Draw"},
		odds:     []float64{0.45, 0.35, 0.20},
	},
	{
		name:     "Will it rain on launch day?",
		desc:     "Settles against the official weather station reading.",
		outcomes: []string{"Yes", "No"},
		odds:     []float64{0.30, 0.70},
	},
	{
		name:     "Which feature ships first?",
		desc:     "First merged to main wins.",
		outcomes: []string{"Dark mode", "Offline sync", "New editor", "None this quarter"},
		odds:     []float64{0.40, 0.25, 0.25, 0.10},
	},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required; seeding an in-memory store is pointless")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	led := ledger.New(st)

	gofakeit.Seed(time.Now().UnixNano())

	// --- Users ---
	for i := 0; i < demoUsers; i++ {
		u := &model.User{
			ID:        uuid.New().String(),
			Name:      gofakeit.Username(),
			Balance:   cfg.StartingBalance,
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateUser(ctx, u); err != nil {
			slog.Error("user seed failed", "name", u.Name, "err", err)
			os.Exit(1)
		}
	}
	slog.Info("seeded users", "count", demoUsers)

	// --- Markets: create draft, calibrate odds, open ---
	for _, dm := range demoMarkets {
		m := &model.Market{
			ID:          uuid.New().String(),
			Name:        dm.name,
			Description: dm.desc,
			Status:      model.StatusDraft,
			B:           cfg.DefaultLiquidity,
			CreatedAt:   time.Now().UTC(),
		}
		for i, name := range dm.outcomes {
			m.Outcomes = append(m.Outcomes, model.Outcome{
				ID:           uuid.New().String(),
				MarketID:     m.ID,
				Name:         name,
				DisplayOrder: i,
			})
		}
		if err := st.CreateMarket(ctx, m); err != nil {
			slog.Error("market seed failed", "name", dm.name, "err", err)
			os.Exit(1)
		}

		targets := make([]decimal.Decimal, len(dm.odds))
		for i, p := range dm.odds {
			targets[i] = decimal.NewFromFloat(p)
		}
		if _, err := led.Calibrate(ctx, m.ID, targets); err != nil {
			slog.Error("odds calibration failed", "market", dm.name, "err", err)
			os.Exit(1)
		}

		fresh, err := st.GetMarket(ctx, m.ID)
		if err != nil {
			slog.Error("market reload failed", "market", dm.name, "err", err)
			os.Exit(1)
		}
		if err := st.UpdateMarketStatus(ctx, m.ID, []string{model.StatusDraft}, model.StatusOpen, fresh.Version); err != nil {
			slog.Error("market open failed", "market", dm.name, "err", err)
			os.Exit(1)
		}
		slog.Info("seeded market", "name", dm.name, "outcomes", len(dm.outcomes))
	}

	fmt.Println("seed complete")
}
