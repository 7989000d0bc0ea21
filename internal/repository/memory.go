package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

// MemoryRepository — in-memory реализация хранилища. Транзакции сериализуются одним мьютексом
// и работают над копией состояния, которая заменяет исходное только при успешном завершении.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	nextID      int64
	customers   map[int64]model.Customer
	blocks      []model.BlockedAccount
	purchases   map[int64]model.Purchase
	receivables map[int64]model.Receivable
	sales       map[int64]model.Sale
	emissions   []model.EmissionEvent
	sequences   map[string]int64
	commissions map[int64]model.CedenteCommission
	clubs       map[int64]model.ClubSubscription
}

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			customers:   make(map[int64]model.Customer),
			purchases:   make(map[int64]model.Purchase),
			receivables: make(map[int64]model.Receivable),
			sales:       make(map[int64]model.Sale),
			sequences:   make(map[string]int64),
			commissions: make(map[int64]model.CedenteCommission),
			clubs:       make(map[int64]model.ClubSubscription),
		},
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:      s.nextID,
		customers:   make(map[int64]model.Customer, len(s.customers)),
		blocks:      slices.Clone(s.blocks),
		purchases:   make(map[int64]model.Purchase, len(s.purchases)),
		receivables: make(map[int64]model.Receivable, len(s.receivables)),
		sales:       make(map[int64]model.Sale, len(s.sales)),
		emissions:   slices.Clone(s.emissions),
		sequences:   make(map[string]int64, len(s.sequences)),
		commissions: make(map[int64]model.CedenteCommission, len(s.commissions)),
		clubs:       make(map[int64]model.ClubSubscription, len(s.clubs)),
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.purchases {
		c.purchases[k] = clonePurchase(v)
	}
	for k, v := range s.receivables {
		c.receivables[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	for k, v := range s.clubs {
		c.clubs[k] = v
	}
	return c
}

func clonePurchase(p model.Purchase) model.Purchase {
	p.Items = slices.Clone(p.Items)
	p.ExpectedBalances = maps.Clone(p.ExpectedBalances)
	p.BaseBalances = maps.Clone(p.BaseBalances)
	return p
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn над копией состояния и применяет её, если fn завершилась без ошибки.
func (r *MemoryRepository) InTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

// AddCustomer добавляет цедента и возвращает его идентификатор.
func (r *MemoryRepository) AddCustomer(c model.Customer) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == 0 {
		c.ID = r.state.id()
	} else if c.ID > r.state.nextID {
		r.state.nextID = c.ID
	}
	r.state.customers[c.ID] = c
	return c.ID
}

// BlockAccount открывает блокировку по программе цедента.
func (r *MemoryRepository) BlockAccount(customerID int64, program model.Program, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.blocks = append(r.state.blocks, model.BlockedAccount{
		ID:         r.state.id(),
		CustomerID: customerID,
		Program:    program,
		Status:     model.BlockStatusOpen,
		Reason:     reason,
	})
}

// AddEmission добавляет факт выпуска, например импортированный вручную.
func (r *MemoryRepository) AddEmission(e model.EmissionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.ID = r.state.id()
	r.state.emissions = append(r.state.emissions, e)
}

// Sales возвращает все продажи в порядке создания.
func (r *MemoryRepository) Sales() []model.Sale {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Sale, 0, len(r.state.sales))
	for _, s := range r.state.sales {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Receivables возвращает все дебиторские задолженности.
func (r *MemoryRepository) Receivables() []model.Receivable {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Receivable, 0, len(r.state.receivables))
	for _, rc := range r.state.receivables {
		res = append(res, rc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Emissions возвращает все факты выпуска.
func (r *MemoryRepository) Emissions() []model.EmissionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.state.emissions)
}

// Commissions возвращает все обязательства перед цедентами.
func (r *MemoryRepository) Commissions() []model.CedenteCommission {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.CedenteCommission, 0, len(r.state.commissions))
	for _, c := range r.state.commissions {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// ClubSubscriptions возвращает все клубные подписки.
func (r *MemoryRepository) ClubSubscriptions() []model.ClubSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.ClubSubscription, 0, len(r.state.clubs))
	for _, c := range r.state.clubs {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// GetCustomer возвращает цедента с текущими балансами.
func (r *MemoryRepository) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memTx{s: r.state}).GetCustomerForUpdate(ctx, id)
}

// GetPurchase возвращает покупку вместе с позициями.
func (r *MemoryRepository) GetPurchase(ctx context.Context, id int64) (*model.Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memTx{s: r.state}).GetPurchaseForUpdate(ctx, id)
}

// SumPassengers возвращает число пассажиров, выпущенных цедентом по программе в окне [from, until).
func (r *MemoryRepository) SumPassengers(ctx context.Context, customerID int64, program model.Program, from, until time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return (&memTx{s: r.state}).SumPassengers(ctx, customerID, program, from, until)
}

// ListSaleCandidates возвращает одобренных цедентов без открытой блокировки по программе
// с балансом не меньше minPoints.
func (r *MemoryRepository) ListSaleCandidates(ctx context.Context, program model.Program, minPoints int64) ([]model.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{s: r.state}
	var res []model.Customer
	for _, c := range r.state.customers {
		if c.Status != model.CustomerStatusApproved || c.Balances.Get(program) < minPoints {
			continue
		}
		blocked, err := tx.HasOpenBlock(ctx, c.ID, program)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// PassengersByCustomer возвращает число выпущенных пассажиров по каждому цеденту в окне [from, until).
func (r *MemoryRepository) PassengersByCustomer(_ context.Context, program model.Program, from, until time.Time) (map[int64]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[int64]int)
	for _, e := range r.state.emissions {
		if e.Program == program && inWindow(e.IssuedAt, from, until) {
			res[e.CustomerID] += e.Passengers
		}
	}
	return res, nil
}

func inWindow(t, from, until time.Time) bool {
	return !t.Before(from) && t.Before(until)
}

type memTx struct {
	s *memState
}

var _ Tx = (*memTx)(nil)

func (t *memTx) GetCustomerForUpdate(_ context.Context, id int64) (*model.Customer, error) {
	c, ok := t.s.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: customer %d", model.ErrNotFound, id)
	}
	return &c, nil
}

func (t *memTx) Credit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: credit amount must not be negative", model.ErrValidation)
	}
	return t.move(ctx, customerID, program, amount)
}

func (t *memTx) Debit(ctx context.Context, customerID int64, program model.Program, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: debit amount must not be negative", model.ErrValidation)
	}
	return t.move(ctx, customerID, program, -amount)
}

func (t *memTx) move(_ context.Context, customerID int64, program model.Program, delta int64) (int64, error) {
	if !program.Valid() {
		return 0, fmt.Errorf("%w: unknown program %q", model.ErrValidation, string(program))
	}
	c, ok := t.s.customers[customerID]
	if !ok {
		return 0, fmt.Errorf("%w: customer %d", model.ErrNotFound, customerID)
	}
	current := c.Balances.Get(program)
	if current+delta < 0 {
		return 0, fmt.Errorf("%w: %s balance %d, requested %d", model.ErrInsufficientBalance, program, current, -delta)
	}
	c.Balances.Set(program, current+delta)
	t.s.customers[customerID] = c
	return current + delta, nil
}

func (t *memTx) HasOpenBlock(ctx context.Context, customerID int64, program model.Program) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, b := range t.s.blocks {
		if b.CustomerID == customerID && b.Program == program && b.Status == model.BlockStatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SumPassengers(_ context.Context, customerID int64, program model.Program, from, until time.Time) (int, error) {
	used := 0
	for _, e := range t.s.emissions {
		if e.CustomerID == customerID && e.Program == program && inWindow(e.IssuedAt, from, until) {
			used += e.Passengers
		}
	}
	return used, nil
}

func (t *memTx) AppendEmission(_ context.Context, e model.EmissionEvent) (int64, error) {
	e.ID = t.s.id()
	t.s.emissions = append(t.s.emissions, e)
	return e.ID, nil
}

func (t *memTx) NextSequence(_ context.Context, key string) (int64, error) {
	t.s.sequences[key]++
	return t.s.sequences[key], nil
}

func (t *memTx) CreateReceivable(_ context.Context, rc model.Receivable) (int64, error) {
	rc.ID = t.s.id()
	t.s.receivables[rc.ID] = rc
	return rc.ID, nil
}

func (t *memTx) CreateSale(_ context.Context, s model.Sale) (int64, error) {
	for _, existing := range t.s.sales {
		if existing.Number == s.Number {
			return 0, fmt.Errorf("%w: sale number %s already used", model.ErrInvalidState, s.Number)
		}
	}
	s.ID = t.s.id()
	t.s.sales[s.ID] = s
	return s.ID, nil
}

func (t *memTx) CreatePurchase(_ context.Context, p model.Purchase) (int64, error) {
	p = clonePurchase(p)
	p.ID = t.s.id()
	for i := range p.Items {
		p.Items[i].ID = t.s.id()
		p.Items[i].PurchaseID = p.ID
		if len(p.Items[i].Meta) > 0 {
			p.Items[i].Meta = json.RawMessage(slices.Clone([]byte(p.Items[i].Meta)))
		}
	}
	t.s.purchases[p.ID] = p
	return p.ID, nil
}

func (t *memTx) GetPurchaseForUpdate(_ context.Context, id int64) (*model.Purchase, error) {
	p, ok := t.s.purchases[id]
	if !ok {
		return nil, fmt.Errorf("%w: purchase %d", model.ErrNotFound, id)
	}
	p = clonePurchase(p)
	return &p, nil
}

func (t *memTx) ReleasePurchaseItems(_ context.Context, purchaseID int64) (int64, error) {
	p, ok := t.s.purchases[purchaseID]
	if !ok {
		return 0, fmt.Errorf("%w: purchase %d", model.ErrNotFound, purchaseID)
	}
	var released int64
	for i := range p.Items {
		if p.Items[i].Status == model.ItemStatusPending {
			p.Items[i].Status = model.ItemStatusReleased
			released++
		}
	}
	t.s.purchases[purchaseID] = p
	return released, nil
}

func (t *memTx) MarkPurchaseClosed(_ context.Context, purchaseID int64, applied, credited model.PerProgram, releasedAt time.Time, actorID int64) error {
	p, ok := t.s.purchases[purchaseID]
	if !ok {
		return fmt.Errorf("%w: purchase %d", model.ErrNotFound, purchaseID)
	}
	if p.Status != model.PurchaseStatusOpen {
		return fmt.Errorf("%w: purchase %d", model.ErrAlreadyReleased, purchaseID)
	}
	p.Status = model.PurchaseStatusClosed
	p.AppliedBalances = &applied
	p.CreditedPoints = &credited
	p.ReleasedAt = &releasedAt
	p.ReleasedBy = &actorID
	t.s.purchases[purchaseID] = p
	return nil
}

func (t *memTx) UpsertCommission(_ context.Context, c model.CedenteCommission) (*model.CedenteCommission, error) {
	if existing, ok := t.s.commissions[c.PurchaseID]; ok {
		c.ID = existing.ID
	} else {
		c.ID = t.s.id()
	}
	t.s.commissions[c.PurchaseID] = c
	return &c, nil
}

func (t *memTx) GetClubSubscriptionBySource(_ context.Context, itemID int64) (*model.ClubSubscription, error) {
	s, ok := t.s.clubs[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: club subscription for item %d", model.ErrNotFound, itemID)
	}
	return &s, nil
}

func (t *memTx) LatestClubStart(_ context.Context, customerID int64, program model.Program, excludeItemID int64) (*time.Time, error) {
	var latest *time.Time
	for _, s := range t.s.clubs {
		if s.CustomerID != customerID || s.Program != program || s.SourceItemID == excludeItemID {
			continue
		}
		if latest == nil || s.SubscribedAt.After(*latest) {
			at := s.SubscribedAt
			latest = &at
		}
	}
	return latest, nil
}

func (t *memTx) UpsertClubSubscription(_ context.Context, s model.ClubSubscription) (*model.ClubSubscription, error) {
	if existing, ok := t.s.clubs[s.SourceItemID]; ok {
		s.ID = existing.ID
	} else {
		s.ID = t.s.id()
	}
	t.s.clubs[s.SourceItemID] = s
	return &s, nil
}
