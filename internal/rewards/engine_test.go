package rewards_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/mocks"
	"github.com/feral-file/recycling-ledger/internal/rewards"
	"github.com/feral-file/recycling-ledger/internal/store"
)

func TestMain(m *testing.M) {
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

func setupTestEngine(t *testing.T, now time.Time) (rewards.Engine, store.Store) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(now).AnyTimes()

	s := store.NewMemoryStore()
	return rewards.NewEngine(nil, s, clock), s
}

func TestCalculatePoints(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())

	tests := []struct {
		name     string
		material domain.MaterialType
		weight   float64
		want     int64
	}{
		{"papel seed", domain.MaterialPaper, 2.5, 30},
		{"plastico seed floors once", domain.MaterialPlastic, 1.8, 40},
		{"metal seed", domain.MaterialMetal, 0.5, 20},
		{"vidro", domain.MaterialGlass, 3, 46},
		{"organico", domain.MaterialOrganic, 10, 55},
		{"tiny weight floors to zero", domain.MaterialOrganic, 0.1, 0},
		{"binary fraction edge", domain.MaterialPaper, 0.1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.CalculatePoints(tt.material, tt.weight)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculatePoints_Deterministic(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())
	for range 100 {
		got, err := engine.CalculatePoints(domain.MaterialMetal, 0.5)
		require.NoError(t, err)
		require.Equal(t, int64(20), got)
	}
}

func TestCalculatePoints_Monotonic(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())

	for _, rate := range rewards.DefaultRates {
		previous := int64(0)
		for w := 0.05; w <= 50; w += 0.05 {
			got, err := engine.CalculatePoints(rate.MaterialType, w)
			require.NoError(t, err)
			require.GreaterOrEqual(t, got, previous, "%s at %.2fkg", rate.MaterialType, w)
			previous = got
		}
	}
}

func TestCalculatePoints_Errors(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())

	_, err := engine.CalculatePoints("borracha", 1)
	assert.ErrorIs(t, err, domain.ErrUnknownMaterialType)

	for _, w := range []float64{0, -1} {
		_, err := engine.CalculatePoints(domain.MaterialPaper, w)
		assert.ErrorIs(t, err, domain.ErrInvalidWeight)
	}
}

func TestCalculatePoints_Overflow(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())

	// 1e18 kg of metal is 4e19 points, beyond int64
	points, err := engine.CalculatePoints(domain.MaterialMetal, 1e18)
	assert.ErrorIs(t, err, domain.ErrInvalidWeight)
	assert.Zero(t, points)

	// 1e16 kg still fits
	points, err = engine.CalculatePoints(domain.MaterialMetal, 1e16)
	require.NoError(t, err)
	assert.Equal(t, int64(4e17), points)
}

func TestLevelForPoints(t *testing.T) {
	tests := []struct {
		points int64
		want   string
	}{
		{0, "Novato"},
		{99, "Novato"},
		{100, "Iniciante"},
		{150, "Iniciante"},
		{500, "Intermediário"},
		{999, "Intermediário"},
		{1000, "Avançado"},
		{2500, "Especialista"},
		{5000, "Mestre Reciclador"},
		{9999, "Mestre Reciclador"},
		{10000, "Lenda Verde"},
		{1000000, "Lenda Verde"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rewards.LevelForPoints(tt.points), "points %d", tt.points)
	}
}

func TestLevelForPoints_Monotonic(t *testing.T) {
	rank := make(map[string]int)
	for i, level := range rewards.Levels {
		rank[level.Name] = i
	}

	previous := 0
	for points := int64(0); points <= 12000; points += 7 {
		current := rank[rewards.LevelForPoints(points)]
		require.GreaterOrEqual(t, current, previous, "points %d", points)
		previous = current
	}
}

func TestLevelProgress(t *testing.T) {
	p := rewards.LevelProgress(150)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, "Iniciante", p.LevelName)
	assert.Equal(t, int64(350), p.PointsToNextLevel)
	assert.InDelta(t, 12.5, p.ProgressPercentage, 0.0001)

	top := rewards.LevelProgress(20000)
	assert.Equal(t, 7, top.Level)
	assert.Equal(t, int64(0), top.PointsToNextLevel)
	assert.Equal(t, float64(100), top.ProgressPercentage)
}

func TestCreditPoints(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	result, err := engine.CreditPoints(ctx, rewards.CreditInput{
		UserID: "user-1", CollectionID: "COL-1", MaterialType: domain.MaterialPaper, Weight: 2.5, Points: 30,
	})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(30), result.Points)
	assert.Equal(t, int64(30), result.UserPoints.TotalPoints)
	assert.Equal(t, "Novato", result.UserPoints.Level)

	result, err = engine.CreditPoints(ctx, rewards.CreditInput{
		UserID: "user-1", CollectionID: "COL-2", MaterialType: domain.MaterialPlastic, Weight: 5, Points: 112,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(142), result.UserPoints.TotalPoints)
	assert.Equal(t, "Iniciante", result.UserPoints.Level)

	t.Run("duplicate collection is a silent no-op", func(t *testing.T) {
		result, err := engine.CreditPoints(ctx, rewards.CreditInput{
			UserID: "user-1", CollectionID: "COL-2", MaterialType: domain.MaterialPlastic, Weight: 50, Points: 1120,
		})
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, int64(112), result.Points)
		assert.Equal(t, int64(142), result.UserPoints.TotalPoints)
	})

	t.Run("collection owned by another user", func(t *testing.T) {
		result, err := engine.CreditPoints(ctx, rewards.CreditInput{
			UserID: "user-2", CollectionID: "COL-1", MaterialType: domain.MaterialPaper, Weight: 2.5, Points: 30,
		})
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "user-2", result.UserPoints.UserID)
		assert.Equal(t, int64(0), result.UserPoints.TotalPoints)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := engine.CreditPoints(ctx, rewards.CreditInput{CollectionID: "COL-3", Points: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)

		_, err = engine.CreditPoints(ctx, rewards.CreditInput{UserID: "user-1", CollectionID: "COL-3", Points: -1})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})

	t.Run("transactions and summary", func(t *testing.T) {
		txs, err := engine.Transactions(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		descriptions := []string{txs[0].Description, txs[1].Description}
		assert.ElementsMatch(t, []string{"Coleta de papel - 2.5kg", "Coleta de plastico - 5kg"}, descriptions)

		summary, err := engine.GetUserPoints(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(142), summary.TotalPoints)
		assert.Equal(t, 2, summary.Progress.Level)

		unknown, err := engine.GetUserPoints(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), unknown.TotalPoints)
		assert.Equal(t, "Novato", unknown.Level)
	})
}

func TestCreditPoints_ConcurrentSameUser(t *testing.T) {
	engine, s := setupTestEngine(t, time.Now())
	ctx := context.Background()
	const workers = 50

	var wg sync.WaitGroup
	var expected int64
	for i := range workers {
		points := int64(i + 1)
		expected += points
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreditPoints(ctx, rewards.CreditInput{
				UserID:       "user-1",
				CollectionID: fmt.Sprintf("COL-%d", i),
				MaterialType: domain.MaterialMetal,
				Weight:       1,
				Points:       points,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	userPoints, err := s.GetUserPoints(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, userPoints)
	assert.Equal(t, expected, userPoints.TotalPoints)
	assert.Equal(t, rewards.LevelForPoints(expected), userPoints.Level)
}

func TestLeaderboard(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Now())
	ctx := context.Background()

	for i, points := range []int64{40, 900, 300} {
		_, err := engine.CreditPoints(ctx, rewards.CreditInput{
			UserID: fmt.Sprintf("user-%d", i), CollectionID: fmt.Sprintf("COL-%d", i), MaterialType: domain.MaterialMetal, Weight: 1, Points: points,
		})
		require.NoError(t, err)
	}

	board, err := engine.Leaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, rewards.LeaderboardEntry{Rank: 1, UserID: "user-1", TotalPoints: 900, Level: "Intermediário"}, board[0])
	assert.Equal(t, 3, board[2].Rank)
	assert.Equal(t, "user-0", board[2].UserID)

	top, err := engine.Leaderboard(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestStats(t *testing.T) {
	engine, _ := setupTestEngine(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	inputs := []rewards.CreditInput{
		{UserID: "user-1", CollectionID: "COL-1", MaterialType: domain.MaterialPaper, Weight: 2.5, Points: 30},
		{UserID: "user-1", CollectionID: "COL-2", MaterialType: domain.MaterialPlastic, Weight: 1.8, Points: 40},
		{UserID: "user-2", CollectionID: "COL-3", MaterialType: domain.MaterialPaper, Weight: 5, Points: 60},
	}
	for _, input := range inputs {
		_, err := engine.CreditPoints(ctx, input)
		require.NoError(t, err)
	}

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(130), stats.TotalPointsDistributed)
	assert.Equal(t, 3, stats.TransactionCount)
	assert.Equal(t, int64(90), stats.PointsByMaterial[domain.MaterialPaper])
	assert.Equal(t, int64(40), stats.PointsByMaterial[domain.MaterialPlastic])
	assert.Equal(t, map[string]int64{"2025-03": 130}, stats.PointsByMonth)
	assert.InDelta(t, 43.3333, stats.AveragePointsPerTransaction, 0.001)
}

func TestBuildRates(t *testing.T) {
	rates := rewards.BuildRates(map[string]rewards.RateConfig{
		"metal":    {PointsPerKg: 25, BonusMultiplier: 2},
		"borracha": {PointsPerKg: 8, BonusMultiplier: 1.1, Description: "Borracha"},
		"vidro":    {PointsPerKg: -1, BonusMultiplier: 1},
	})
	require.Len(t, rates, 6)

	engine := rewards.NewEngine(rates, store.NewMemoryStore(), nil)

	metal, err := engine.CalculatePoints(domain.MaterialMetal, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), metal)

	rubber, err := engine.CalculatePoints("borracha", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(88), rubber)

	glass, err := engine.CalculatePoints(domain.MaterialGlass, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(46), glass)
}
