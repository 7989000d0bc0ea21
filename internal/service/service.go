// Package service реализует транзакционное ядро реестра баллов: закрытие покупок,
// создание продаж, квоты пассажиров и подбор цедентов.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/milheiro-ledger/internal/metrics"
	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn repository.TxFunc) error
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)
	GetPurchase(ctx context.Context, id int64) (*model.Purchase, error)
	SumPassengers(ctx context.Context, customerID int64, program model.Program, from, until time.Time) (int, error)
	ListSaleCandidates(ctx context.Context, program model.Program, minPoints int64) ([]model.Customer, error)
	PassengersByCustomer(ctx context.Context, program model.Program, from, until time.Time) (map[int64]int, error)
}

// Service содержит бизнес-логику реестра баллов.
type Service struct {
	repo    Repository
	logger  *zap.Logger
	metrics *metrics.LedgerMetrics
	now     func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics подключает счётчики Prometheus.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetCustomer возвращает цедента с текущими балансами.
func (s *Service) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) reject(operation string, err error, fields ...zap.Field) {
	kind := model.KindOf(err)
	s.metrics.ObserveRejection(operation, kind)

	fields = append(fields, zap.String("operation", operation), zap.String("kind", string(kind)), zap.Error(err))
	if kind == model.KindInternal {
		s.logger.Error("ledger operation failed", fields...)
		return
	}
	s.logger.Info("ledger operation rejected", fields...)
}
