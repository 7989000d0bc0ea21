package club

import (
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

const (
	latamExpiryDays       = 10
	smilesExpiryDays      = 60
	liveloLapseDays       = 30
	smilesBonusWindowDays = 365
)

// Dates — вычисленные даты жизненного цикла подписки. Nil означает, что для программы правило не задано.
type Dates struct {
	NextRenewalAt   *time.Time
	InactiveAt      *time.Time
	PointsExpireAt  *time.Time
	BonusEligibleAt *time.Time
}

// ComputeDates вычисляет даты подписки по правилам программы. priorStart учитывается только для SMILES.
func ComputeDates(p model.Program, start time.Time, renewalDay int, priorStart *time.Time) Dates {
	start = Day(start)

	switch p {
	case model.ProgramLatam, model.ProgramSmiles:
		next := NextRenewal(start, renewalDay)
		inactive := next.AddDate(0, 0, 1)
		expiryDays := latamExpiryDays
		if p == model.ProgramSmiles {
			expiryDays = smilesExpiryDays
		}
		expire := inactive.AddDate(0, 0, expiryDays)

		d := Dates{NextRenewalAt: &next, InactiveAt: &inactive, PointsExpireAt: &expire}
		if p == model.ProgramSmiles {
			base := start
			if priorStart != nil && Day(*priorStart).After(base) {
				base = Day(*priorStart)
			}
			eligible := base.AddDate(0, 0, smilesBonusWindowDays)
			d.BonusEligibleAt = &eligible
		}
		return d

	case model.ProgramLivelo:
		expire := start.AddDate(0, 0, liveloLapseDays)
		return Dates{PointsExpireAt: &expire}
	}

	return Dates{}
}

// NextRenewal возвращает первое наступление дня продления строго после start.
// День приводится к длине целевого месяца.
func NextRenewal(start time.Time, renewalDay int) time.Time {
	start = Day(start)
	year, month := start.Year(), start.Month()

	candidate := dayInMonth(year, month, renewalDay)
	if candidate.After(start) {
		return candidate
	}
	first := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return dayInMonth(first.Year(), first.Month(), renewalDay)
}

// Day обрезает время до полуночи UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayInMonth(year int, month time.Month, day int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Build собирает подписку для клубной позиции. start — зафиксированная дата начала.
func Build(customerID, purchaseID, itemID int64, m Meta, start time.Time, priorStart *time.Time) model.ClubSubscription {
	start = Day(start)
	dates := ComputeDates(m.Program, start, m.RenewalDay, priorStart)
	renewed := start

	return model.ClubSubscription{
		CustomerID:            customerID,
		Program:               m.Program,
		SourceItemID:          itemID,
		PurchaseID:            purchaseID,
		Tier:                  m.Tier,
		PriceCents:            m.PriceCents,
		BonusPoints:           m.BonusPoints,
		RenewalDay:            m.RenewalDay,
		SubscribedAt:          start,
		LastRenewedAt:         &renewed,
		NextRenewalAt:         dates.NextRenewalAt,
		InactiveAt:            dates.InactiveAt,
		PointsExpireAt:        dates.PointsExpireAt,
		SmilesBonusEligibleAt: dates.BonusEligibleAt,
		Status:                model.SubscriptionStatusActive,
	}
}
