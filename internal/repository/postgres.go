package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier — общий набор методов pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к реестру баллов в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет только читающие запросы. Транзакции записи не повторяются:
// повтор создания продажи после неподтверждённого коммита списал бы баллы дважды.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if i < len(delays) && isRetryable(err) {
			timer := time.NewTimer(delays[i])
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		break
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в одной транзакции. Любая ошибка fn откатывает все изменения.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetCustomer возвращает цедента с текущими балансами.
func (r *PostgresRepository) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	var c *model.Customer
	err := r.withRetry(ctx, func() error {
		var err error
		c, err = getCustomer(ctx, r.pool, id, false)
		return err
	})
	return c, err
}

// GetPurchase возвращает покупку вместе с позициями без блокировки.
func (r *PostgresRepository) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	var p *model.Purchase
	err := r.withRetry(ctx, func() error {
		var err error
		p, err = getPurchase(ctx, r.pool, id, false)
		return err
	})
	return p, err
}

// SumPassengers возвращает число пассажиров, выпущенных цедентом по программе в окне [from, until).
func (r *PostgresRepository) SumPassengers(ctx context.Context, customerID int64, program model.Program, from, until time.Time) (int, error) {
	var used int
	err := r.withRetry(ctx, func() error {
		var err error
		used, err = sumPassengers(ctx, r.pool, customerID, program, from, until)
		return err
	})
	return used, err
}

// ListSaleCandidates возвращает одобренных цедентов без открытой блокировки по программе
// с балансом не меньше minPoints.
func (r *PostgresRepository) ListSaleCandidates(ctx context.Context, program model.Program, minPoints int64) ([]model.Customer, error) {
	col, err := balanceColumn(program)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT c.id, c.name, c.status, c.points_latam, c.points_smiles, c.points_livelo, c.points_esfera
		 FROM customers c
		 WHERE c.status = $1 AND c.%s >= $2
		   AND NOT EXISTS (
		     SELECT 1 FROM blocked_accounts b
		     WHERE b.customer_id = c.id AND b.program = $3 AND b.status = $4
		   )
		 ORDER BY c.id`, col)

	var res []model.Customer
	err = r.withRetry(ctx, func() error {
		res = res[:0]
		rows, err := r.pool.Query(ctx, query,
			string(model.CustomerStatusApproved), minPoints, string(program), string(model.BlockStatusOpen))
		if err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCustomer(rows)
			if err != nil {
				return err
			}
			res = append(res, *c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PassengersByCustomer возвращает число выпущенных пассажиров по каждому цеденту в окне [from, until).
func (r *PostgresRepository) PassengersByCustomer(ctx context.Context, program model.Program, from, until time.Time) (map[int64]int, error) {
	res := make(map[int64]int)
	err := r.withRetry(ctx, func() error {
		clear(res)
		rows, err := r.pool.Query(ctx,
			`SELECT customer_id, COALESCE(SUM(passengers), 0)
			 FROM emission_events
			 WHERE program = $1 AND issued_at >= $2 AND issued_at < $3
			 GROUP BY customer_id`,
			string(program), from, until,
		)
		if err != nil {
			return fmt.Errorf("select passengers: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			var used int
			if err := rows.Scan(&id, &used); err != nil {
				return fmt.Errorf("scan passengers: %w", err)
			}
			res[id] = used
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type pgTx struct {
	q querier
}

var _ Tx = (*pgTx)(nil)

func (t *pgTx) GetCustomerForUpdate(ctx context.Context, id int64) (*model.Customer, error) {
	return getCustomer(ctx, t.q, id, true)
}

func (t *pgTx) Credit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: credit amount must not be negative", model.ErrValidation)
	}
	col, err := balanceColumn(program)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`UPDATE customers SET %[1]s = %[1]s + $2 WHERE id = $1 RETURNING %[1]s`, col),
		customerID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: customer %d", model.ErrNotFound, customerID)
		}
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) Debit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: debit amount must not be negative", model.ErrValidation)
	}
	col, err := balanceColumn(program)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = t.q.QueryRow(ctx,
		fmt.Sprintf(`UPDATE customers SET %[1]s = %[1]s - $2 WHERE id = $1 AND %[1]s >= $2 RETURNING %[1]s`, col),
		customerID, amount,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
		return 0, fmt.Errorf("%w: customer %d program %s", model.ErrInsufficientBalance, customerID, program)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	var current int64
	err = t.q.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM customers WHERE id = $1`, col), customerID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: customer %d", model.ErrNotFound, customerID)
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return 0, fmt.Errorf("%w: %s balance %d, requested %d", model.ErrInsufficientBalance, program, current, amount)
}

func (t *pgTx) HasOpenBlock(ctx context.Context, customerID int64, program model.Program) (bool, error) {
	var blocked bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM blocked_accounts
		   WHERE customer_id = $1 AND program = $2 AND status = $3
		 )`,
		customerID, string(program), string(model.BlockStatusOpen),
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("select block: %w", err)
	}
	return blocked, nil
}

func (t *pgTx) SumPassengers(ctx context.Context, customerID int64, program model.Program, from, until time.Time) (int, error) {
	return sumPassengers(ctx, t.q, customerID, program, from, until)
}

func (t *pgTx) AppendEmission(ctx context.Context, e model.EmissionEvent) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO emission_events (customer_id, program, passengers, issued_at, source, sale_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.CustomerID, string(e.Program), e.Passengers, e.IssuedAt, string(e.Source), e.SaleID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert emission: %w", err)
	}
	return id, nil
}

func (t *pgTx) NextSequence(ctx context.Context, key string) (int64, error) {
	var value int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO sequences (key, value) VALUES ($1, 1)
		 ON CONFLICT (key) DO UPDATE SET value = sequences.value + 1
		 RETURNING value`,
		key,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return value, nil
}

func (t *pgTx) CreateReceivable(ctx context.Context, rc model.Receivable) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO receivables (client_id, amount_cents, status, description, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rc.ClientID, rc.AmountCents, string(rc.Status), rc.Description, rc.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert receivable: %w", err)
	}
	return id, nil
}

func (t *pgTx) CreateSale(ctx context.Context, s model.Sale) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO sales (number, customer_id, client_id, program, points, passengers,
		   price_per_thousand_cents, embarque_fee_cents, point_value_cents, total_cents,
		   commission_cents, bonus_cents, meta_milheiro_cents, payment_status, purchase_id,
		   receivable_id, locator, sold_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		s.Number, s.CustomerID, s.ClientID, string(s.Program), s.Points, s.Passengers,
		s.PricePerThousandCents, s.EmbarqueFeeCents, s.PointValueCents, s.TotalCents,
		s.CommissionCents, s.BonusCents, s.MetaMilheiroCents, string(s.PaymentStatus), s.PurchaseID,
		s.ReceivableID, s.Locator, s.SoldAt, s.CreatedBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: sale number %s already used", model.ErrInvalidState, s.Number)
		}
		return 0, fmt.Errorf("insert sale: %w", err)
	}
	return id, nil
}

func (t *pgTx) CreatePurchase(ctx context.Context, p model.Purchase) (int64, error) {
	expected, err := marshalNullable(p.ExpectedBalances)
	if err != nil {
		return 0, err
	}
	base, err := marshalNullable(p.BaseBalances)
	if err != nil {
		return 0, err
	}

	var id int64
	err = t.q.QueryRow(ctx,
		`INSERT INTO purchases (customer_id, status, target_latam, target_smiles, target_livelo,
		   target_esfera, payout_cents, expected_balances, base_balances, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		p.CustomerID, string(p.Status), p.Targets.Latam, p.Targets.Smiles, p.Targets.Livelo,
		p.Targets.Esfera, p.PayoutCents, expected, base, p.CreatedBy, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert purchase: %w", err)
	}

	for _, it := range p.Items {
		var meta *string
		if len(it.Meta) > 0 {
			s := string(it.Meta)
			meta = &s
		}
		_, err := t.q.Exec(ctx,
			`INSERT INTO purchase_items (purchase_id, kind, program, points, price_per_thousand_cents, meta, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, string(it.Kind), string(it.Program), it.Points, it.PricePerThousandCents, meta, string(it.Status),
		)
		if err != nil {
			return 0, fmt.Errorf("insert purchase item: %w", err)
		}
	}

	return id, nil
}

func (t *pgTx) GetPurchaseForUpdate(ctx context.Context, id int64) (*model.Purchase, error) {
	return getPurchase(ctx, t.q, id, true)
}

func (t *pgTx) ReleasePurchaseItems(ctx context.Context, purchaseID int64) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE purchase_items SET status = $2 WHERE purchase_id = $1 AND status = $3`,
		purchaseID, string(model.ItemStatusReleased), string(model.ItemStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("release items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) MarkPurchaseClosed(ctx context.Context, purchaseID int64, applied, credited model.PerProgram, releasedAt time.Time, actorID int64) error {
	appliedJSON, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("marshal applied balances: %w", err)
	}
	creditedJSON, err := json.Marshal(credited)
	if err != nil {
		return fmt.Errorf("marshal credited points: %w", err)
	}

	tag, err := t.q.Exec(ctx,
		`UPDATE purchases
		 SET status = $2, applied_balances = $3, credited_points = $4, released_at = $5, released_by = $6
		 WHERE id = $1 AND status = $7`,
		purchaseID, string(model.PurchaseStatusClosed), string(appliedJSON), string(creditedJSON),
		releasedAt, actorID, string(model.PurchaseStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("close purchase: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: purchase %d", model.ErrAlreadyReleased, purchaseID)
	}
	return nil
}

func (t *pgTx) UpsertCommission(ctx context.Context, c model.CedenteCommission) (*model.CedenteCommission, error) {
	var res model.CedenteCommission
	var status string
	err := t.q.QueryRow(ctx,
		`INSERT INTO cedente_commissions (purchase_id, customer_id, amount_cents, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (purchase_id) DO UPDATE
		 SET customer_id = EXCLUDED.customer_id, amount_cents = EXCLUDED.amount_cents,
		     status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		 RETURNING id, purchase_id, customer_id, amount_cents, status, updated_at`,
		c.PurchaseID, c.CustomerID, c.AmountCents, string(c.Status), c.UpdatedAt,
	).Scan(&res.ID, &res.PurchaseID, &res.CustomerID, &res.AmountCents, &status, &res.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert commission: %w", err)
	}
	res.Status = model.CommissionStatus(status)
	return &res, nil
}

const clubColumns = `id, customer_id, program, source_item_id, purchase_id, tier, price_cents, bonus_points,
	renewal_day, subscribed_at, last_renewed_at, next_renewal_at, inactive_at, points_expire_at,
	smiles_bonus_eligible_at, status`

func (t *pgTx) GetClubSubscriptionBySource(ctx context.Context, itemID int64) (*model.ClubSubscription, error) {
	row := t.q.QueryRow(ctx, `SELECT `+clubColumns+` FROM club_subscriptions WHERE source_item_id = $1`, itemID)
	s, err := scanClubSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: club subscription for item %d", model.ErrNotFound, itemID)
		}
		return nil, err
	}
	return s, nil
}

func (t *pgTx) LatestClubStart(ctx context.Context, customerID int64, program model.Program, excludeItemID int64) (*time.Time, error) {
	var latest *time.Time
	err := t.q.QueryRow(ctx,
		`SELECT MAX(subscribed_at) FROM club_subscriptions
		 WHERE customer_id = $1 AND program = $2 AND source_item_id <> $3`,
		customerID, string(program), excludeItemID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("select latest club start: %w", err)
	}
	return latest, nil
}

func (t *pgTx) UpsertClubSubscription(ctx context.Context, s model.ClubSubscription) (*model.ClubSubscription, error) {
	row := t.q.QueryRow(ctx,
		`INSERT INTO club_subscriptions (customer_id, program, source_item_id, purchase_id, tier, price_cents,
		   bonus_points, renewal_day, subscribed_at, last_renewed_at, next_renewal_at, inactive_at,
		   points_expire_at, smiles_bonus_eligible_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source_item_id) DO UPDATE
		 SET customer_id = EXCLUDED.customer_id, program = EXCLUDED.program, purchase_id = EXCLUDED.purchase_id,
		     tier = EXCLUDED.tier, price_cents = EXCLUDED.price_cents, bonus_points = EXCLUDED.bonus_points,
		     renewal_day = EXCLUDED.renewal_day, subscribed_at = EXCLUDED.subscribed_at,
		     last_renewed_at = EXCLUDED.last_renewed_at, next_renewal_at = EXCLUDED.next_renewal_at,
		     inactive_at = EXCLUDED.inactive_at, points_expire_at = EXCLUDED.points_expire_at,
		     smiles_bonus_eligible_at = EXCLUDED.smiles_bonus_eligible_at, status = EXCLUDED.status
		 RETURNING `+clubColumns,
		s.CustomerID, string(s.Program), s.SourceItemID, s.PurchaseID, s.Tier, s.PriceCents,
		s.BonusPoints, s.RenewalDay, s.SubscribedAt, s.LastRenewedAt, s.NextRenewalAt, s.InactiveAt,
		s.PointsExpireAt, s.SmilesBonusEligibleAt, string(s.Status),
	)
	res, err := scanClubSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("upsert club subscription: %w", err)
	}
	return res, nil
}

func balanceColumn(p model.Program) (string, error) {
	switch p {
	case model.ProgramLatam:
		return "points_latam", nil
	case model.ProgramSmiles:
		return "points_smiles", nil
	case model.ProgramLivelo:
		return "points_livelo", nil
	case model.ProgramEsfera:
		return "points_esfera", nil
	}
	return "", fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(p))
}

func getCustomer(ctx context.Context, q querier, id int64, forUpdate bool) (*model.Customer, error) {
	query := `SELECT id, name, status, points_latam, points_smiles, points_livelo, points_esfera
		 FROM customers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	c, err := scanCustomer(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func scanCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	var status string
	err := row.Scan(&c.ID, &c.Name, &status,
		&c.Balances.Latam, &c.Balances.Smiles, &c.Balances.Livelo, &c.Balances.Esfera)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	c.Status = model.CustomerStatus(status)
	return &c, nil
}

func getPurchase(ctx context.Context, q querier, id int64, forUpdate bool) (*model.Purchase, error) {
	query := `SELECT id, customer_id, status, target_latam, target_smiles, target_livelo, target_esfera,
		   payout_cents, expected_balances, base_balances, applied_balances, credited_points, created_by, created_at,
		   released_at, released_by
		 FROM purchases WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		p                                 model.Purchase
		status                            string
		expected, base, applied, credited []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.CustomerID, &status, &p.Targets.Latam, &p.Targets.Smiles, &p.Targets.Livelo, &p.Targets.Esfera,
		&p.PayoutCents, &expected, &base, &applied, &credited, &p.CreatedBy, &p.CreatedAt,
		&p.ReleasedAt, &p.ReleasedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: purchase %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("select purchase: %w", err)
	}
	p.Status = model.PurchaseStatus(status)

	if len(expected) > 0 {
		if err := json.Unmarshal(expected, &p.ExpectedBalances); err != nil {
			return nil, fmt.Errorf("decode expected balances: %w", err)
		}
	}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &p.BaseBalances); err != nil {
			return nil, fmt.Errorf("decode base balances: %w", err)
		}
	}
	if len(applied) > 0 {
		p.AppliedBalances = &model.PerProgram{}
		if err := json.Unmarshal(applied, p.AppliedBalances); err != nil {
			return nil, fmt.Errorf("decode applied balances: %w", err)
		}
	}
	if len(credited) > 0 {
		p.CreditedPoints = &model.PerProgram{}
		if err := json.Unmarshal(credited, p.CreditedPoints); err != nil {
			return nil, fmt.Errorf("decode credited points: %w", err)
		}
	}

	rows, err := q.Query(ctx,
		`SELECT id, purchase_id, kind, program, points, price_per_thousand_cents, meta, status
		 FROM purchase_items WHERE purchase_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchase items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it                    model.PurchaseItem
			kind, program, itemSt string
			meta                  []byte
		)
		if err := rows.Scan(&it.ID, &it.PurchaseID, &kind, &program, &it.Points, &it.PricePerThousandCents, &meta, &itemSt); err != nil {
			return nil, fmt.Errorf("scan purchase item: %w", err)
		}
		it.Kind = model.ItemKind(kind)
		it.Program = model.Program(program)
		it.Status = model.ItemStatus(itemSt)
		if len(meta) > 0 {
			it.Meta = json.RawMessage(meta)
		}
		p.Items = append(p.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &p, nil
}

func sumPassengers(ctx context.Context, q querier, customerID int64, program model.Program, from, until time.Time) (int, error) {
	var used int
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(passengers), 0)
		 FROM emission_events
		 WHERE customer_id = $1 AND program = $2 AND issued_at >= $3 AND issued_at < $4`,
		customerID, string(program), from, until,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum passengers: %w", err)
	}
	return used, nil
}

func scanClubSubscription(row pgx.Row) (*model.ClubSubscription, error) {
	var s model.ClubSubscription
	var program, status string
	err := row.Scan(&s.ID, &s.CustomerID, &program, &s.SourceItemID, &s.PurchaseID, &s.Tier, &s.PriceCents,
		&s.BonusPoints, &s.RenewalDay, &s.SubscribedAt, &s.LastRenewedAt, &s.NextRenewalAt, &s.InactiveAt,
		&s.PointsExpireAt, &s.SmilesBonusEligibleAt, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan club subscription: %w", err)
	}
	s.Program = model.Program(program)
	s.Status = model.SubscriptionStatus(status)
	return &s, nil
}

func marshalNullable(m map[model.Program]int64) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal balances: %w", err)
	}
	s := string(b)
	return &s, nil
}
