// Package model содержит доменные сущности реестра баллов.
package model

import (
	"encoding/json"
	"time"
)

// CustomerStatus описывает статус одобрения цедента.
type CustomerStatus string

const (
	CustomerStatusPending  CustomerStatus = "PENDING"
	CustomerStatusApproved CustomerStatus = "APPROVED"
)

// Customer — цедент, владелец баллов в программах лояльности.
type Customer struct {
	ID       int64
	Name     string
	Status   CustomerStatus
	Balances PerProgram
}

// PurchaseStatus описывает состояние оптовой покупки баллов.
type PurchaseStatus string

const (
	PurchaseStatusOpen   PurchaseStatus = "OPEN"
	PurchaseStatusClosed PurchaseStatus = "CLOSED"
)

// ItemKind различает обычные позиции с баллами и клубные подписки.
type ItemKind string

const (
	ItemKindPoints ItemKind = "POINTS"
	ItemKindClub   ItemKind = "CLUB"
)

// ItemStatus описывает статус позиции покупки.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "PENDING"
	ItemStatusReleased ItemStatus = "RELEASED"
)

// PurchaseItem — позиция покупки. Для CLUB-позиции Meta содержит JSON с параметрами клуба.
type PurchaseItem struct {
	ID                    int64
	PurchaseID            int64
	Kind                  ItemKind
	Program               Program
	Points                int64
	PricePerThousandCents int64
	Meta                  json.RawMessage
	Status                ItemStatus
}

// Purchase — оптовая покупка баллов у цедента, закрывается ровно один раз.
type Purchase struct {
	ID          int64
	CustomerID  *int64
	Status      PurchaseStatus
	Targets     PerProgram
	PayoutCents int64
	// ExpectedBalances — снимок ожидаемого баланса после закрытия, только по программам с баллами.
	ExpectedBalances map[Program]int64
	// BaseBalances — баланс цедента на момент снимка, по тем же программам, что и ExpectedBalances.
	BaseBalances     map[Program]int64
	AppliedBalances  *PerProgram
	CreditedPoints   *PerProgram
	Items            []PurchaseItem
	CreatedBy        int64
	CreatedAt        time.Time
	ReleasedAt       *time.Time
	ReleasedBy       *int64
}

// PaymentStatus описывает статус оплаты продажи.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// Sale — продажа баллов конечному клиенту.
type Sale struct {
	ID                    int64
	Number                string
	CustomerID            int64
	ClientID              int64
	Program               Program
	Points                int64
	Passengers            int
	PricePerThousandCents int64
	EmbarqueFeeCents      int64
	PointValueCents       int64
	TotalCents            int64
	CommissionCents       int64
	BonusCents            int64
	MetaMilheiroCents     int64
	PaymentStatus         PaymentStatus
	PurchaseID            *int64
	ReceivableID          int64
	Locator               string
	SoldAt                time.Time
	CreatedBy             int64
}

// Receivable — дебиторская задолженность клиента, создаваемая вместе с продажей.
type Receivable struct {
	ID          int64
	ClientID    int64
	AmountCents int64
	Status      PaymentStatus
	Description string
	CreatedAt   time.Time
}

// EmissionSource описывает происхождение факта выпуска билетов.
type EmissionSource string

const (
	EmissionSourceSale   EmissionSource = "SALE"
	EmissionSourceManual EmissionSource = "MANUAL"
	EmissionSourceImport EmissionSource = "IMPORT"
)

// EmissionEvent — неизменяемый факт выпуска пассажиров по программе на дату.
type EmissionEvent struct {
	ID         int64
	CustomerID int64
	Program    Program
	Passengers int
	IssuedAt   time.Time
	Source     EmissionSource
	SaleID     *int64
}

// CommissionStatus описывает статус выплаты цеденту.
type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "PENDING"
	CommissionStatusPaid     CommissionStatus = "PAID"
	CommissionStatusCanceled CommissionStatus = "CANCELED"
)

// CedenteCommission — обязательство выплаты цеденту, одно на покупку.
type CedenteCommission struct {
	ID          int64
	PurchaseID  int64
	CustomerID  int64
	AmountCents int64
	Status      CommissionStatus
	UpdatedAt   time.Time
}

// SubscriptionStatus описывает статус клубной подписки.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// ClubSubscription — клубная подписка, уникальная по исходной позиции покупки.
type ClubSubscription struct {
	ID                    int64
	CustomerID            int64
	Program               Program
	SourceItemID          int64
	PurchaseID            int64
	Tier                  int
	PriceCents            int64
	BonusPoints           int64
	RenewalDay            int
	SubscribedAt          time.Time
	LastRenewedAt         *time.Time
	NextRenewalAt         *time.Time
	InactiveAt            *time.Time
	PointsExpireAt        *time.Time
	SmilesBonusEligibleAt *time.Time
	Status                SubscriptionStatus
}

// BlockStatus описывает статус блокировки аккаунта.
type BlockStatus string

const (
	BlockStatusOpen   BlockStatus = "OPEN"
	BlockStatusClosed BlockStatus = "CLOSED"
)

// BlockedAccount — блокировка движения баллов цедента по программе.
type BlockedAccount struct {
	ID         int64
	CustomerID int64
	Program    Program
	Status     BlockStatus
	Reason     string
}

// Actor — идентичность того, кто выполняет операцию.
type Actor struct {
	ID   int64
	Team string
}
