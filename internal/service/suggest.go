package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/quota"
)

// Bucket — корзина приоритета кандидата по остатку баллов после продажи.
type Bucket string

const (
	BucketExactFit       Bucket = "EXACT_FIT"
	BucketHealthySurplus Bucket = "HEALTHY_SURPLUS"
	BucketMidSurplus     Bucket = "MID_SURPLUS"
	BucketThinSurplus    Bucket = "THIN_SURPLUS"
)

const (
	exactFitMaxLeftover   = 2000
	midSurplusMinLeftover = 3000
	midSurplusMaxLeftover = 10000
)

var bucketPriority = map[Bucket]int{
	BucketExactFit:       0,
	BucketHealthySurplus: 1,
	BucketMidSurplus:     2,
	BucketThinSurplus:    3,
}

// BucketFor относит остаток баллов к корзине. Промежуток между 2000 и 3000 попадает в THIN_SURPLUS.
func BucketFor(leftover int64) Bucket {
	switch {
	case leftover <= exactFitMaxLeftover:
		return BucketExactFit
	case leftover > midSurplusMaxLeftover:
		return BucketHealthySurplus
	case leftover >= midSurplusMinLeftover:
		return BucketMidSurplus
	default:
		return BucketThinSurplus
	}
}

// Suggestion — кандидат для продажи.
type Suggestion struct {
	CustomerID     int64  `json:"customerId"`
	Name           string `json:"name"`
	Balance        int64  `json:"balance"`
	Leftover       int64  `json:"leftover"`
	Bucket         Bucket `json:"bucket"`
	QuotaRemaining int    `json:"quotaRemaining"`
	QuotaAlert     bool   `json:"quotaAlert"`
}

// SuggestCustomersForSale подбирает цедентов с достаточным балансом и ранжирует их по корзинам.
// QuotaAlert отмечает кандидатов, у которых баллов хватает, а квоты пассажиров — нет.
func (s *Service) SuggestCustomersForSale(ctx context.Context, program model.Program, pointsNeeded int64, passengersNeeded int) ([]Suggestion, error) {
	if !program.Valid() {
		return nil, fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(program))
	}
	if pointsNeeded <= 0 || passengersNeeded <= 0 {
		return nil, fmt.Errorf("%w: points and passengers must be positive", model.ErrValidation)
	}

	candidates, err := s.repo.ListSaleCandidates(ctx, program, pointsNeeded)
	if err != nil {
		return nil, err
	}

	window := quota.WindowFor(program, s.now())
	used, err := s.repo.PassengersByCustomer(ctx, program, window.From, window.Until)
	if err != nil {
		return nil, err
	}

	res := make([]Suggestion, 0, len(candidates))
	for _, c := range candidates {
		balance := c.Balances.Get(program)
		leftover := balance - pointsNeeded
		qs := quota.NewStatus(program, window, used[c.ID])
		res = append(res, Suggestion{
			CustomerID:     c.ID,
			Name:           c.Name,
			Balance:        balance,
			Leftover:       leftover,
			Bucket:         BucketFor(leftover),
			QuotaRemaining: qs.Remaining,
			QuotaAlert:     passengersNeeded > qs.Remaining,
		})
	}

	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if pa, pb := bucketPriority[a.Bucket], bucketPriority[b.Bucket]; pa != pb {
			return pa < pb
		}
		if a.QuotaAlert != b.QuotaAlert {
			return !a.QuotaAlert
		}
		if a.Leftover != b.Leftover {
			return a.Leftover < b.Leftover
		}
		return a.CustomerID < b.CustomerID
	})

	return res, nil
}
