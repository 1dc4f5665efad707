package rewards

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/feral-file/recycling-ledger/internal/domain"
)

// Rate is the points configuration of one material
type Rate struct {
	MaterialType    domain.MaterialType `json:"materialType"`
	PointsPerKg     decimal.Decimal     `json:"pointsPerKg"`
	BonusMultiplier decimal.Decimal     `json:"bonusMultiplier"`
	Description     string              `json:"description"`
}

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// Points returns floor(weightKg * PointsPerKg * BonusMultiplier), flooring once.
// ok is false when the result does not fit in an int64.
func (r Rate) Points(weightKg float64) (points int64, ok bool) {
	total := decimal.NewFromFloat(weightKg).
		Mul(r.PointsPerKg).
		Mul(r.BonusMultiplier).
		Floor()
	if total.GreaterThan(maxPoints) {
		return 0, false
	}
	return total.IntPart(), true
}

// DefaultRates is the canonical points table
var DefaultRates = []Rate{
	{
		MaterialType:    domain.MaterialPaper,
		PointsPerKg:     decimal.NewFromInt(10),
		BonusMultiplier: decimal.RequireFromString("1.2"),
		Description:     "Papel reciclável - 10 pontos/kg com bônus de 20%",
	},
	{
		MaterialType:    domain.MaterialPlastic,
		PointsPerKg:     decimal.NewFromInt(15),
		BonusMultiplier: decimal.RequireFromString("1.5"),
		Description:     "Plástico reciclável - 15 pontos/kg com bônus de 50%",
	},
	{
		MaterialType:    domain.MaterialGlass,
		PointsPerKg:     decimal.NewFromInt(12),
		BonusMultiplier: decimal.RequireFromString("1.3"),
		Description:     "Vidro reciclável - 12 pontos/kg com bônus de 30%",
	},
	{
		MaterialType:    domain.MaterialMetal,
		PointsPerKg:     decimal.NewFromInt(20),
		BonusMultiplier: decimal.RequireFromString("2.0"),
		Description:     "Metal reciclável - 20 pontos/kg com bônus de 100%",
	},
	{
		MaterialType:    domain.MaterialOrganic,
		PointsPerKg:     decimal.NewFromInt(5),
		BonusMultiplier: decimal.RequireFromString("1.1"),
		Description:     "Material orgânico - 5 pontos/kg com bônus de 10%",
	},
}

// RateConfig overrides one material rate from configuration
type RateConfig struct {
	PointsPerKg     float64 `mapstructure:"points_per_kg"`
	BonusMultiplier float64 `mapstructure:"bonus_multiplier"`
	Description     string  `mapstructure:"description"`
}

// BuildRates merges overrides into the default table. Overrides with a non-positive
// rate or a multiplier below 1 are ignored.
func BuildRates(overrides map[string]RateConfig) []Rate {
	byMaterial := make(map[domain.MaterialType]Rate, len(DefaultRates))
	for _, rate := range DefaultRates {
		byMaterial[rate.MaterialType] = rate
	}

	for material, override := range overrides {
		if override.PointsPerKg <= 0 || override.BonusMultiplier < 1 ||
			math.IsInf(override.PointsPerKg, 0) || math.IsInf(override.BonusMultiplier, 0) {
			continue
		}
		rate := Rate{
			MaterialType:    domain.MaterialType(material),
			PointsPerKg:     decimal.NewFromFloat(override.PointsPerKg),
			BonusMultiplier: decimal.NewFromFloat(override.BonusMultiplier),
			Description:     override.Description,
		}
		if rate.Description == "" {
			rate.Description = byMaterial[rate.MaterialType].Description
		}
		byMaterial[rate.MaterialType] = rate
	}

	rates := make([]Rate, 0, len(byMaterial))
	for _, rate := range byMaterial {
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool {
		return rates[i].MaterialType < rates[j].MaterialType
	})
	return rates
}
