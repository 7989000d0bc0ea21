// Package repository содержит хранилища реестра баллов: PostgreSQL и in-memory.
package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

// Tx — операции, выполняемые внутри одной транзакции. Каждое изменение баланса
// перечитывает актуальную строку цедента, снимки, прочитанные до транзакции, не используются.
type Tx interface {
	GetCustomerForUpdate(ctx context.Context, id int64) (*model.Customer, error)
	// Credit увеличивает баланс программы и возвращает новый баланс.
	Credit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error)
	// Debit уменьшает баланс программы; при нехватке баллов возвращает model.ErrInsufficientBalance.
	Debit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error)
	HasOpenBlock(ctx context.Context, customerID int64, program model.Program) (bool, error)
	SumPassengers(ctx context.Context, customerID int64, program model.Program, from, until time.Time) (int, error)
	AppendEmission(ctx context.Context, e model.EmissionEvent) (int64, error)
	NextSequence(ctx context.Context, key string) (int64, error)

	CreateReceivable(ctx context.Context, r model.Receivable) (int64, error)
	CreateSale(ctx context.Context, s model.Sale) (int64, error)

	CreatePurchase(ctx context.Context, p model.Purchase) (int64, error)
	GetPurchaseForUpdate(ctx context.Context, id int64) (*model.Purchase, error)
	ReleasePurchaseItems(ctx context.Context, purchaseID int64) (int64, error)
	MarkPurchaseClosed(ctx context.Context, purchaseID int64, applied, credited model.PerProgram, releasedAt time.Time, actorID int64) error

	// UpsertCommission создаёт или обновляет обязательство по ключу purchaseID.
	UpsertCommission(ctx context.Context, c model.CedenteCommission) (*model.CedenteCommission, error)
	GetClubSubscriptionBySource(ctx context.Context, itemID int64) (*model.ClubSubscription, error)
	LatestClubStart(ctx context.Context, customerID int64, program model.Program, excludeItemID int64) (*time.Time, error)
	// UpsertClubSubscription создаёт или обновляет подписку по ключу SourceItemID.
	UpsertClubSubscription(ctx context.Context, s model.ClubSubscription) (*model.ClubSubscription, error)
}

// TxFunc — тело транзакции. Ошибка откатывает все изменения.
type TxFunc func(tx Tx) error
