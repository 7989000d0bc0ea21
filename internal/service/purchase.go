package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/milheiro-ledger/internal/club"
	"github.com/mmeshcher/milheiro-ledger/internal/commission"
	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/repository"
)

const (
	opCreatePurchase = "create_purchase"
	opClosePurchase  = "close_purchase"
)

// PurchaseItemInput описывает позицию новой покупки.
type PurchaseItemInput struct {
	Kind                  model.ItemKind
	Program               model.Program
	Points                int64
	PricePerThousandCents int64
	Meta                  json.RawMessage
}

// PurchaseInput описывает новую покупку у цедента.
type PurchaseInput struct {
	CustomerID  int64
	Targets     model.PerProgram
	PayoutCents int64
	Items       []PurchaseItemInput
}

// CloseResult — результат закрытия покупки.
type CloseResult struct {
	Purchase                *model.Purchase
	Commission              *model.CedenteCommission
	ClubSubscriptionsLinked int
}

// CreatePurchase создаёт покупку в статусе OPEN и фиксирует снимок ожидаемого баланса:
// текущий баланс цедента плюс баллы позиций по каждой программе.
func (s *Service) CreatePurchase(ctx context.Context, actor model.Actor, in PurchaseInput) (*model.Purchase, error) {
	if err := validatePurchaseInput(in); err != nil {
		s.reject(opCreatePurchase, err, zap.Int64("customerID", in.CustomerID))
		return nil, err
	}

	var created *model.Purchase
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		cust, err := tx.GetCustomerForUpdate(ctx, in.CustomerID)
		if err != nil {
			return err
		}

		expected := make(map[model.Program]int64)
		base := make(map[model.Program]int64)
		items := make([]model.PurchaseItem, 0, len(in.Items))
		for _, it := range in.Items {
			switch it.Kind {
			case model.ItemKindPoints:
				if _, ok := expected[it.Program]; !ok {
					base[it.Program] = cust.Balances.Get(it.Program)
					expected[it.Program] = base[it.Program]
				}
				expected[it.Program] += it.Points
			case model.ItemKindClub:
				meta, err := club.DecodeMeta(it.Meta)
				if err != nil {
					return err
				}
				it.Program = meta.Program
			}
			items = append(items, model.PurchaseItem{
				Kind:                  it.Kind,
				Program:               it.Program,
				Points:                it.Points,
				PricePerThousandCents: it.PricePerThousandCents,
				Meta:                  it.Meta,
				Status:                model.ItemStatusPending,
			})
		}

		customerID := cust.ID
		id, err := tx.CreatePurchase(ctx, model.Purchase{
			CustomerID:       &customerID,
			Status:           model.PurchaseStatusOpen,
			Targets:          in.Targets,
			PayoutCents:      in.PayoutCents,
			ExpectedBalances: expected,
			BaseBalances:     base,
			Items:            items,
			CreatedBy:        actor.ID,
			CreatedAt:        s.now().UTC(),
		})
		if err != nil {
			return err
		}

		created, err = tx.GetPurchaseForUpdate(ctx, id)
		return err
	})
	if err != nil {
		s.reject(opCreatePurchase, err, zap.Int64("customerID", in.CustomerID))
		return nil, err
	}

	s.logger.Info("purchase created",
		zap.Int64("purchaseID", created.ID),
		zap.Int64("customerID", in.CustomerID),
		zap.Int64("actorID", actor.ID),
	)
	return created, nil
}

func validatePurchaseInput(in PurchaseInput) error {
	if in.CustomerID <= 0 {
		return fmt.Errorf("%w: customer id is required", model.ErrValidation)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: purchase needs at least one item", model.ErrValidation)
	}
	if in.PayoutCents < 0 {
		return fmt.Errorf("%w: payout must not be negative", model.ErrValidation)
	}
	for _, p := range model.Programs {
		if in.Targets.Get(p) < 0 {
			return fmt.Errorf("%w: %s target must not be negative", model.ErrValidation, p)
		}
	}
	for i, it := range in.Items {
		switch it.Kind {
		case model.ItemKindPoints:
			if !it.Program.Valid() {
				return fmt.Errorf("%w: item %d: unknown program %q", model.ErrValidation, i, string(it.Program))
			}
			if it.Points <= 0 {
				return fmt.Errorf("%w: item %d: points must be positive", model.ErrValidation, i)
			}
			if it.PricePerThousandCents < 0 {
				return fmt.Errorf("%w: item %d: price must not be negative", model.ErrValidation, i)
			}
		case model.ItemKindClub:
			if _, err := club.DecodeMeta(it.Meta); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		default:
			return fmt.Errorf("%w: item %d: unknown kind %q", model.ErrValidation, i, string(it.Kind))
		}
	}
	return nil
}

// ResolveAppliedBalances выбирает баланс после закрытия покупки независимо по каждой программе:
// переданное значение, иначе ранее рассчитанный ожидаемый баланс, иначе текущий баланс.
// Ожидаемый баланс переносится на текущий: движения между созданием и закрытием покупки
// сохраняются, к ним добавляется только прирост снимка (expected - base).
// Снимок без базы применяется как абсолютное значение.
func ResolveAppliedBalances(overrides, expected, base map[model.Program]int64, current model.PerProgram) model.PerProgram {
	var applied model.PerProgram
	for _, p := range model.Programs {
		if v, ok := overrides[p]; ok {
			applied.Set(p, v)
			continue
		}
		if v, ok := expected[p]; ok {
			if b, ok := base[p]; ok {
				v = current.Get(p) + v - b
			}
			applied.Set(p, v)
			continue
		}
		applied.Set(p, current.Get(p))
	}
	return applied
}

// PurchasePayout возвращает сумму выплаты цеденту: явную сумму покупки, а если она не задана,
// стоимость баллов всех обычных позиций по их ставкам.
func PurchasePayout(p *model.Purchase) int64 {
	if p.PayoutCents > 0 {
		return p.PayoutCents
	}
	var total int64
	for _, it := range p.Items {
		if it.Kind == model.ItemKindPoints {
			total += commission.PointValue(it.Points, it.PricePerThousandCents)
		}
	}
	return total
}

// ClosePurchase переводит покупку из OPEN в CLOSED одной транзакцией: начисляет баллы,
// освобождает позиции, записывает применённые балансы, создаёт или обновляет выплату цеденту
// и клубные подписки. Повторное закрытие возвращает model.ErrAlreadyReleased.
func (s *Service) ClosePurchase(ctx context.Context, actor model.Actor, purchaseID int64, overrides map[model.Program]int64) (*CloseResult, error) {
	res, err := s.closePurchase(ctx, actor, purchaseID, overrides)
	if err != nil {
		s.reject(opClosePurchase, err, zap.Int64("purchaseID", purchaseID), zap.Int64("actorID", actor.ID))
		return nil, err
	}

	s.metrics.ObservePurchaseClosed()
	s.logger.Info("purchase closed",
		zap.Int64("purchaseID", purchaseID),
		zap.Int64("actorID", actor.ID),
		zap.Int("clubSubscriptions", res.ClubSubscriptionsLinked),
		zap.Bool("commission", res.Commission != nil),
	)
	return res, nil
}

func (s *Service) closePurchase(ctx context.Context, actor model.Actor, purchaseID int64, overrides map[model.Program]int64) (*CloseResult, error) {
	for p, v := range overrides {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(p))
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: %s override must not be negative", model.ErrValidation, p)
		}
	}

	pre, err := s.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if pre.Status != model.PurchaseStatusOpen {
		return nil, fmt.Errorf("%w: purchase %d", model.ErrAlreadyReleased, purchaseID)
	}
	metas, err := decodeClubItems(pre.Items)
	if err != nil {
		return nil, err
	}

	releasedAt := s.now().UTC()
	var res CloseResult

	err = s.repo.InTx(ctx, func(tx repository.Tx) error {
		p, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p.Status != model.PurchaseStatusOpen {
			return fmt.Errorf("%w: purchase %d", model.ErrAlreadyReleased, purchaseID)
		}
		if p.CustomerID == nil {
			return fmt.Errorf("%w: purchase %d has no customer", model.ErrInvalidState, purchaseID)
		}

		cust, err := tx.GetCustomerForUpdate(ctx, *p.CustomerID)
		if err != nil {
			return err
		}

		applied := ResolveAppliedBalances(overrides, p.ExpectedBalances, p.BaseBalances, cust.Balances)
		credited, err := s.applyBalances(ctx, tx, cust, applied)
		if err != nil {
			return err
		}

		if _, err := tx.ReleasePurchaseItems(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.MarkPurchaseClosed(ctx, p.ID, applied, credited, releasedAt, actor.ID); err != nil {
			return err
		}

		if payout := PurchasePayout(p); payout > 0 {
			c, err := tx.UpsertCommission(ctx, model.CedenteCommission{
				PurchaseID:  p.ID,
				CustomerID:  cust.ID,
				AmountCents: payout,
				Status:      model.CommissionStatusPending,
				UpdatedAt:   releasedAt,
			})
			if err != nil {
				return err
			}
			res.Commission = c
		}

		for _, it := range p.Items {
			if it.Kind != model.ItemKindClub {
				continue
			}
			meta, ok := metas[it.ID]
			if !ok {
				if meta, err = club.DecodeMeta(it.Meta); err != nil {
					return err
				}
			}
			if _, err := s.linkClubSubscription(ctx, tx, cust.ID, p.ID, it.ID, meta); err != nil {
				return err
			}
			res.ClubSubscriptionsLinked++
		}

		for i := range p.Items {
			p.Items[i].Status = model.ItemStatusReleased
		}
		actorID := actor.ID
		p.Status = model.PurchaseStatusClosed
		p.AppliedBalances = &applied
		p.CreditedPoints = &credited
		p.ReleasedAt = &releasedAt
		p.ReleasedBy = &actorID
		res.Purchase = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range model.Programs {
		s.metrics.ObservePointsMoved(p, res.Purchase.CreditedPoints.Get(p))
	}
	return &res, nil
}

// applyBalances переводит баланс цедента в применённые значения и возвращает дельты по программам.
// Программы с открытой блокировкой двигать нельзя.
func (s *Service) applyBalances(ctx context.Context, tx repository.Tx, cust *model.Customer, applied model.PerProgram) (model.PerProgram, error) {
	var credited model.PerProgram
	for _, p := range model.Programs {
		delta := applied.Get(p) - cust.Balances.Get(p)
		if delta == 0 {
			continue
		}

		blocked, err := tx.HasOpenBlock(ctx, cust.ID, p)
		if err != nil {
			return credited, err
		}
		if blocked {
			return credited, fmt.Errorf("%w: customer %d program %s", model.ErrAccountBlocked, cust.ID, p)
		}

		if delta > 0 {
			_, err = tx.Credit(ctx, cust.ID, p, delta)
		} else {
			_, err = tx.Debit(ctx, cust.ID, p, -delta)
		}
		if err != nil {
			return credited, err
		}
		credited.Set(p, delta)
	}
	return credited, nil
}

// linkClubSubscription создаёт или обновляет подписку по исходной позиции. Если дата начала
// не передана, используется дата, зафиксированная при первом создании подписки.
func (s *Service) linkClubSubscription(ctx context.Context, tx repository.Tx, customerID, purchaseID, itemID int64, meta club.Meta) (*model.ClubSubscription, error) {
	start := s.now().UTC()
	existing, err := tx.GetClubSubscriptionBySource(ctx, itemID)
	switch {
	case err == nil:
		start = existing.SubscribedAt
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}
	if meta.StartDate != nil {
		start = *meta.StartDate
	}

	var prior *time.Time
	if meta.Program == model.ProgramSmiles {
		if prior, err = tx.LatestClubStart(ctx, customerID, meta.Program, itemID); err != nil {
			return nil, err
		}
	}

	sub := club.Build(customerID, purchaseID, itemID, meta, start, prior)
	return tx.UpsertClubSubscription(ctx, sub)
}

func decodeClubItems(items []model.PurchaseItem) (map[int64]club.Meta, error) {
	metas := make(map[int64]club.Meta)
	for _, it := range items {
		if it.Kind != model.ItemKindClub {
			continue
		}
		m, err := club.DecodeMeta(it.Meta)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}
		metas[it.ID] = m
	}
	return metas, nil
}
