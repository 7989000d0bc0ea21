// Package club разбирает параметры клубных позиций и вычисляет даты жизненного цикла подписки.
package club

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

const (
	minTier       = 1
	maxTier       = 20
	minRenewalDay = 1
	maxRenewalDay = 31
)

// Meta — проверенные параметры клубной позиции покупки.
type Meta struct {
	Program     model.Program
	Tier        int
	PriceCents  int64
	RenewalDay  int
	StartDate   *time.Time
	BonusPoints int64
}

type rawMeta struct {
	Program     string `json:"program"`
	Tier        int    `json:"tier"`
	PriceCents  int64  `json:"priceCents"`
	RenewalDay  int    `json:"renewalDay"`
	StartDate   string `json:"startDate"`
	BonusPoints int64  `json:"bonusPoints"`
}

// DecodeMeta разбирает JSON клубной позиции. Уровень и день продления приводятся к допустимым
// диапазонам, отрицательные цена и бонус, неизвестная программа и нечитаемая дата отклоняются.
func DecodeMeta(raw json.RawMessage) (Meta, error) {
	if len(raw) == 0 {
		return Meta{}, fmt.Errorf("%w: empty club payload", model.ErrValidation)
	}

	var rm rawMeta
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Meta{}, fmt.Errorf("%w: club payload: %s", model.ErrValidation, err.Error())
	}

	program, err := model.ParseProgram(rm.Program)
	if err != nil {
		return Meta{}, err
	}
	if rm.PriceCents < 0 {
		return Meta{}, fmt.Errorf("%w: club price must not be negative", model.ErrValidation)
	}
	if rm.BonusPoints < 0 {
		return Meta{}, fmt.Errorf("%w: club bonus must not be negative", model.ErrValidation)
	}

	m := Meta{
		Program:     program,
		Tier:        clamp(rm.Tier, minTier, maxTier),
		PriceCents:  rm.PriceCents,
		BonusPoints: rm.BonusPoints,
	}

	if s := strings.TrimSpace(rm.StartDate); s != "" {
		start, err := parseDay(s)
		if err != nil {
			return Meta{}, fmt.Errorf("%w: club start date %q", model.ErrValidation, s)
		}
		m.StartDate = &start
	}

	switch {
	case rm.RenewalDay != 0:
		m.RenewalDay = clamp(rm.RenewalDay, minRenewalDay, maxRenewalDay)
	case m.StartDate != nil:
		m.RenewalDay = m.StartDate.Day()
	default:
		m.RenewalDay = minRenewalDay
	}

	return m, nil
}

func parseDay(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
