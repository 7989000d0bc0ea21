package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/milheiro-ledger/internal/commission"
	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/quota"
	"github.com/mmeshcher/milheiro-ledger/internal/repository"
	"github.com/mmeshcher/milheiro-ledger/internal/validation"
)

const (
	opCreateSale = "create_sale"

	// SaleSequenceKey — ключ общего счётчика номеров продаж.
	SaleSequenceKey  = "SALE"
	saleNumberPrefix = "VD-"
)

// SaleInput описывает продажу баллов цедента конечному клиенту.
type SaleInput struct {
	CustomerID            int64
	ClientID              int64
	Program               model.Program
	Points                int64
	Passengers            int
	PricePerThousandCents int64
	EmbarqueFeeCents      int64
	PurchaseID            *int64
	Locator               string
	Date                  *time.Time
}

// SaleResult — результат создания продажи.
type SaleResult struct {
	SaleID       int64
	SaleNumber   string
	Sale         model.Sale
	Balance      int64
	QuotaInfo    quota.Status
	ReceivableID int64
}

// FormatSaleNumber форматирует номер продажи с фиксированным префиксом и нулями слева.
func FormatSaleNumber(seq int64) string {
	return fmt.Sprintf("%s%06d", saleNumberPrefix, seq)
}

// CreateSale списывает баллы, резервирует квоту пассажиров и создаёт дебиторскую задолженность
// одной транзакцией. Повтор после сбоя не идемпотентен: ключа дедупликации нет.
func (s *Service) CreateSale(ctx context.Context, actor model.Actor, in SaleInput) (*SaleResult, error) {
	res, err := s.createSale(ctx, actor, in)
	if err != nil {
		s.reject(opCreateSale, err,
			zap.Int64("customerID", in.CustomerID),
			zap.String("program", string(in.Program)),
			zap.Int64("points", in.Points),
			zap.Int("passengers", in.Passengers),
		)
		return nil, err
	}

	s.metrics.ObserveSaleCreated(in.Program)
	s.metrics.ObservePointsMoved(in.Program, -in.Points)
	s.logger.Info("sale created",
		zap.Int64("saleID", res.SaleID),
		zap.String("number", res.SaleNumber),
		zap.Int64("customerID", in.CustomerID),
		zap.Int64("actorID", actor.ID),
	)
	return res, nil
}

func (s *Service) createSale(ctx context.Context, actor model.Actor, in SaleInput) (*SaleResult, error) {
	locator, err := validateSaleInput(in)
	if err != nil {
		return nil, err
	}

	soldAt := s.now().UTC()
	if in.Date != nil {
		soldAt = in.Date.UTC()
	}
	window := quota.WindowFor(in.Program, soldAt)

	var res SaleResult
	err = s.repo.InTx(ctx, func(tx repository.Tx) error {
		blocked, err := tx.HasOpenBlock(ctx, in.CustomerID, in.Program)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("%w: customer %d program %s", model.ErrAccountBlocked, in.CustomerID, in.Program)
		}

		cust, err := tx.GetCustomerForUpdate(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		if cust.Status != model.CustomerStatusApproved {
			return fmt.Errorf("%w: customer %d is %s", model.ErrCustomerNotApproved, cust.ID, cust.Status)
		}

		used, err := tx.SumPassengers(ctx, cust.ID, in.Program, window.From, window.Until)
		if err != nil {
			return err
		}
		qs := quota.NewStatus(in.Program, window, used)
		if in.Passengers > qs.Remaining {
			return fmt.Errorf("%w: %s remaining %d, requested %d",
				model.ErrPassengerQuotaExceeded, in.Program, qs.Remaining, in.Passengers)
		}

		if balance := cust.Balances.Get(in.Program); in.Points > balance {
			return fmt.Errorf("%w: %s balance %d, requested %d",
				model.ErrInsufficientBalance, in.Program, balance, in.Points)
		}

		var meta int64
		if in.PurchaseID != nil {
			meta, err = eligiblePurchaseTarget(ctx, tx, *in.PurchaseID, cust.ID, in.Program)
			if err != nil {
				return err
			}
		}

		pointValue := commission.PointValue(in.Points, in.PricePerThousandCents)
		total := pointValue + in.EmbarqueFeeCents

		seq, err := tx.NextSequence(ctx, SaleSequenceKey)
		if err != nil {
			return err
		}
		number := FormatSaleNumber(seq)

		receivableID, err := tx.CreateReceivable(ctx, model.Receivable{
			ClientID:    in.ClientID,
			AmountCents: total,
			Status:      model.PaymentStatusPending,
			Description: "sale " + number,
			CreatedAt:   soldAt,
		})
		if err != nil {
			return err
		}

		sale := model.Sale{
			Number:                number,
			CustomerID:            cust.ID,
			ClientID:              in.ClientID,
			Program:               in.Program,
			Points:                in.Points,
			Passengers:            in.Passengers,
			PricePerThousandCents: in.PricePerThousandCents,
			EmbarqueFeeCents:      in.EmbarqueFeeCents,
			PointValueCents:       pointValue,
			TotalCents:            total,
			CommissionCents:       commission.Commission(pointValue),
			BonusCents:            commission.Bonus(in.Points, in.PricePerThousandCents, meta),
			MetaMilheiroCents:     meta,
			PaymentStatus:         model.PaymentStatusPending,
			PurchaseID:            in.PurchaseID,
			ReceivableID:          receivableID,
			Locator:               locator,
			SoldAt:                soldAt,
			CreatedBy:             actor.ID,
		}
		sale.ID, err = tx.CreateSale(ctx, sale)
		if err != nil {
			return err
		}

		balance, err := tx.Debit(ctx, cust.ID, in.Program, in.Points)
		if err != nil {
			return err
		}

		saleID := sale.ID
		if _, err := tx.AppendEmission(ctx, model.EmissionEvent{
			CustomerID: cust.ID,
			Program:    in.Program,
			Passengers: in.Passengers,
			IssuedAt:   soldAt,
			Source:     model.EmissionSourceSale,
			SaleID:     &saleID,
		}); err != nil {
			return err
		}

		res = SaleResult{
			SaleID:       sale.ID,
			SaleNumber:   number,
			Sale:         sale,
			Balance:      balance,
			QuotaInfo:    quota.NewStatus(in.Program, window, used+in.Passengers),
			ReceivableID: receivableID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// eligiblePurchaseTarget возвращает целевую ставку OPEN-покупки того же цедента.
func eligiblePurchaseTarget(ctx context.Context, tx repository.Tx, purchaseID, customerID int64, program model.Program) (int64, error) {
	p, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return 0, fmt.Errorf("%w: purchase %d not found", model.ErrPurchaseNotEligible, purchaseID)
		}
		return 0, err
	}
	if p.Status != model.PurchaseStatusOpen {
		return 0, fmt.Errorf("%w: purchase %d is %s", model.ErrPurchaseNotEligible, purchaseID, p.Status)
	}
	if p.CustomerID == nil || *p.CustomerID != customerID {
		return 0, fmt.Errorf("%w: purchase %d belongs to another customer", model.ErrPurchaseNotEligible, purchaseID)
	}
	return p.Targets.Get(program), nil
}

func validateSaleInput(in SaleInput) (string, error) {
	switch {
	case in.CustomerID <= 0:
		return "", fmt.Errorf("%w: customer id is required", model.ErrValidation)
	case in.ClientID <= 0:
		return "", fmt.Errorf("%w: client id is required", model.ErrValidation)
	case !in.Program.Valid():
		return "", fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(in.Program))
	case in.Points <= 0:
		return "", fmt.Errorf("%w: points must be positive", model.ErrValidation)
	case in.Passengers <= 0:
		return "", fmt.Errorf("%w: passengers must be positive", model.ErrValidation)
	case in.PricePerThousandCents <= 0:
		return "", fmt.Errorf("%w: price per thousand must be positive", model.ErrValidation)
	case in.EmbarqueFeeCents < 0:
		return "", fmt.Errorf("%w: embarque fee must not be negative", model.ErrValidation)
	}

	if in.Locator == "" {
		return "", nil
	}
	locator, ok := validation.NormalizeLocator(in.Locator)
	if !ok {
		return "", fmt.Errorf("%w: invalid locator %q", model.ErrValidation, in.Locator)
	}
	return locator, nil
}
