// Package commission содержит чистые функции расчёта стоимости баллов, комиссии и бонуса.
//
// Все суммы — целые центы. Округление half-up выполняется в каждой промежуточной точке,
// порядок округлений фиксирован и влияет на результат.
package commission

import "github.com/shopspring/decimal"

var (
	thousand      = decimal.NewFromInt(1000)
	commissionPct = decimal.RequireFromString("0.01")
	bonusShare    = decimal.RequireFromString("0.3")
)

// PointValue возвращает round((points/1000) * pricePerThousandCents); ноль, если points <= 0.
func PointValue(points, pricePerThousandCents int64) int64 {
	if points <= 0 {
		return 0
	}
	return perThousand(points, pricePerThousandCents)
}

// Commission возвращает round(pointValueCents * 0.01).
func Commission(pointValueCents int64) int64 {
	return roundCents(decimal.NewFromInt(pointValueCents).Mul(commissionPct))
}

// Bonus возвращает бонус за продажу выше целевой ставки:
// round(round((points/1000) * (actual - target)) * 0.3).
// Ноль, если целевой ставки нет или разница не положительна.
func Bonus(points, actualPriceCents, targetPriceCents int64) int64 {
	if targetPriceCents <= 0 || points <= 0 {
		return 0
	}
	delta := actualPriceCents - targetPriceCents
	if delta <= 0 {
		return 0
	}
	gain := perThousand(points, delta)
	return roundCents(decimal.NewFromInt(gain).Mul(bonusShare))
}

func perThousand(points, cents int64) int64 {
	return roundCents(decimal.NewFromInt(points).Div(thousand).Mul(decimal.NewFromInt(cents)))
}

// decimal.Round округляет половину от нуля, для неотрицательных сумм это half-up.
func roundCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
