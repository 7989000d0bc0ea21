package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/quota"
)

// QuotaRemaining возвращает лимит, использование и остаток квоты пассажиров цедента
// по программе на опорную дату.
func (s *Service) QuotaRemaining(ctx context.Context, customerID int64, program model.Program, ref time.Time) (quota.Status, error) {
	if !program.Valid() {
		return quota.Status{}, fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(program))
	}
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return quota.Status{}, err
	}

	window := quota.WindowFor(program, ref)
	used, err := s.repo.SumPassengers(ctx, customerID, program, window.From, window.Until)
	if err != nil {
		return quota.Status{}, err
	}
	return quota.NewStatus(program, window, used), nil
}
