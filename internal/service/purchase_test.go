package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
	"github.com/mmeshcher/milheiro-ledger/internal/repository"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mixedPurchase(customerID int64) PurchaseInput {
	return PurchaseInput{
		CustomerID: customerID,
		Targets:    model.PerProgram{Latam: 1800, Smiles: 1500},
		Items: []PurchaseItemInput{
			{Kind: model.ItemKindPoints, Program: model.ProgramLatam, Points: 5000, PricePerThousandCents: 1500},
			{Kind: model.ItemKindPoints, Program: model.ProgramLatam, Points: 2000, PricePerThousandCents: 1600},
			{Kind: model.ItemKindPoints, Program: model.ProgramSmiles, Points: 3000, PricePerThousandCents: 1000},
			{Kind: model.ItemKindClub, Meta: json.RawMessage(`{"program":"livelo","tier":3,"priceCents":4990}`)},
		},
	}
}

func TestCreatePurchase_SnapshotsExpectedBalances(t *testing.T) {
	svc, repo := newTestService(t)
	id := addApproved(repo, "Ana", model.PerProgram{Latam: 1000, Livelo: 700})

	p, err := svc.CreatePurchase(context.Background(), testActor, mixedPurchase(id))
	require.NoError(t, err)

	assert.Equal(t, model.PurchaseStatusOpen, p.Status)
	require.NotNil(t, p.CustomerID)
	assert.Equal(t, id, *p.CustomerID)
	assert.Equal(t, testActor.ID, p.CreatedBy)
	assert.Equal(t, map[model.Program]int64{
		model.ProgramLatam:  8000,
		model.ProgramSmiles: 3000,
	}, p.ExpectedBalances)
	assert.Equal(t, map[model.Program]int64{
		model.ProgramLatam:  1000,
		model.ProgramSmiles: 0,
	}, p.BaseBalances)

	require.Len(t, p.Items, 4)
	for _, it := range p.Items {
		assert.Equal(t, model.ItemStatusPending, it.Status)
	}
	assert.Equal(t, model.ProgramLivelo, p.Items[3].Program)
}

func TestCreatePurchase_Validation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	id := addApproved(repo, "Ana", model.PerProgram{})

	tests := []struct {
		name string
		in   PurchaseInput
	}{
		{"no customer", PurchaseInput{Items: mixedPurchase(id).Items}},
		{"no items", PurchaseInput{CustomerID: id}},
		{"negative payout", PurchaseInput{CustomerID: id, PayoutCents: -1, Items: mixedPurchase(id).Items}},
		{"negative target", PurchaseInput{CustomerID: id, Targets: model.PerProgram{Esfera: -5}, Items: mixedPurchase(id).Items}},
		{"zero points", PurchaseInput{CustomerID: id, Items: []PurchaseItemInput{
			{Kind: model.ItemKindPoints, Program: model.ProgramLatam},
		}}},
		{"unknown kind", PurchaseInput{CustomerID: id, Items: []PurchaseItemInput{
			{Kind: "GIFT", Program: model.ProgramLatam, Points: 10},
		}}},
		{"broken club payload", PurchaseInput{CustomerID: id, Items: []PurchaseItemInput{
			{Kind: model.ItemKindClub, Meta: json.RawMessage(`{"program":`)},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePurchase(ctx, testActor, tt.in)
			require.ErrorIs(t, err, model.ErrValidation)
		})
	}

	_, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(404))
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestClosePurchase_CreditsExactlyOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	id := addApproved(repo, "Ana", model.PerProgram{Latam: 1000})
	p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
	require.NoError(t, err)

	res, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
	require.NoError(t, err)

	closed := res.Purchase
	assert.Equal(t, model.PurchaseStatusClosed, closed.Status)
	require.NotNil(t, closed.ReleasedAt)
	assert.Equal(t, testNow, *closed.ReleasedAt)
	require.NotNil(t, closed.ReleasedBy)
	assert.Equal(t, testActor.ID, *closed.ReleasedBy)
	require.NotNil(t, closed.AppliedBalances)
	assert.Equal(t, model.PerProgram{Latam: 8000, Smiles: 3000}, *closed.AppliedBalances)
	require.NotNil(t, closed.CreditedPoints)
	assert.Equal(t, model.PerProgram{Latam: 7000, Smiles: 3000}, *closed.CreditedPoints)
	for _, it := range closed.Items {
		assert.Equal(t, model.ItemStatusReleased, it.Status)
	}

	require.NotNil(t, res.Commission)
	assert.Equal(t, int64(7500+3200+3000), res.Commission.AmountCents)
	assert.Equal(t, model.CommissionStatusPending, res.Commission.Status)
	assert.Equal(t, 1, res.ClubSubscriptionsLinked)

	assert.Equal(t, model.PerProgram{Latam: 8000, Smiles: 3000}, balanceOf(t, svc, id))

	stored, err := repo.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseStatusClosed, stored.Status)
	for _, it := range stored.Items {
		assert.Equal(t, model.ItemStatusReleased, it.Status)
	}

	_, err = svc.ClosePurchase(ctx, testActor, p.ID, nil)
	require.ErrorIs(t, err, model.ErrAlreadyReleased)
	assert.Equal(t, model.PerProgram{Latam: 8000, Smiles: 3000}, balanceOf(t, svc, id))
	assert.Len(t, repo.Commissions(), 1)
	assert.Len(t, repo.ClubSubscriptions(), 1)
}

func TestClosePurchase_ConcurrentCloseCreditsOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	id := addApproved(repo, "Ana", model.PerProgram{Latam: 1000})
	p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		released  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case model.KindOf(err) == model.KindAlreadyReleased:
				released++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, released)
	assert.Equal(t, int64(8000), balanceOf(t, svc, id).Latam)
	assert.Len(t, repo.Commissions(), 1)
	assert.Len(t, repo.ClubSubscriptions(), 1)
}

func TestClosePurchase_Overrides(t *testing.T) {
	ctx := context.Background()

	t.Run("override above current credits the difference", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{Latam: 1000})
		p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
		require.NoError(t, err)

		res, err := svc.ClosePurchase(ctx, testActor, p.ID, map[model.Program]int64{model.ProgramLatam: 9000})
		require.NoError(t, err)
		assert.Equal(t, int64(8000), res.Purchase.CreditedPoints.Latam)
		assert.Equal(t, int64(3000), res.Purchase.CreditedPoints.Smiles)
		assert.Equal(t, model.PerProgram{Latam: 9000, Smiles: 3000}, balanceOf(t, svc, id))
	})

	t.Run("override below current debits the difference", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{Esfera: 1000})
		p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
		require.NoError(t, err)

		res, err := svc.ClosePurchase(ctx, testActor, p.ID, map[model.Program]int64{model.ProgramEsfera: 400})
		require.NoError(t, err)
		assert.Equal(t, int64(-600), res.Purchase.CreditedPoints.Esfera)
		assert.Equal(t, int64(400), balanceOf(t, svc, id).Esfera)
	})

	t.Run("negative override rejected", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
		require.NoError(t, err)

		_, err = svc.ClosePurchase(ctx, testActor, p.ID, map[model.Program]int64{model.ProgramLatam: -1})
		require.ErrorIs(t, err, model.ErrValidation)

		stored, err := repo.GetPurchase(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PurchaseStatusOpen, stored.Status)
	})
}

func TestClosePurchase_Payout(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit payout wins", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		in := mixedPurchase(id)
		in.PayoutCents = 50000
		p, err := svc.CreatePurchase(ctx, testActor, in)
		require.NoError(t, err)

		res, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.NoError(t, err)
		require.NotNil(t, res.Commission)
		assert.Equal(t, int64(50000), res.Commission.AmountCents)
		assert.Equal(t, id, res.Commission.CustomerID)
	})

	t.Run("no payout no commission", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		p, err := svc.CreatePurchase(ctx, testActor, PurchaseInput{
			CustomerID: id,
			Items: []PurchaseItemInput{
				{Kind: model.ItemKindPoints, Program: model.ProgramSmiles, Points: 1000},
			},
		})
		require.NoError(t, err)

		res, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, res.Commission)
		assert.Empty(t, repo.Commissions())
	})
}

func TestClosePurchase_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.ClosePurchase(ctx, testActor, 12345, nil)
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("purchase without customer", func(t *testing.T) {
		svc, repo := newTestService(t)
		var purchaseID int64
		require.NoError(t, repo.InTx(ctx, func(tx repository.Tx) error {
			var err error
			purchaseID, err = tx.CreatePurchase(ctx, model.Purchase{
				Status: model.PurchaseStatusOpen,
				Items:  []model.PurchaseItem{{Kind: model.ItemKindPoints, Program: model.ProgramLatam, Points: 10, Status: model.ItemStatusPending}},
			})
			return err
		}))

		_, err := svc.ClosePurchase(ctx, testActor, purchaseID, nil)
		require.ErrorIs(t, err, model.ErrInvalidState)
	})

	t.Run("malformed club payload rejected before any write", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		var purchaseID int64
		require.NoError(t, repo.InTx(ctx, func(tx repository.Tx) error {
			var err error
			purchaseID, err = tx.CreatePurchase(ctx, model.Purchase{
				CustomerID:       &id,
				Status:           model.PurchaseStatusOpen,
				ExpectedBalances: map[model.Program]int64{model.ProgramLatam: 5000},
				Items: []model.PurchaseItem{
					{Kind: model.ItemKindPoints, Program: model.ProgramLatam, Points: 5000, PricePerThousandCents: 1500, Status: model.ItemStatusPending},
					{Kind: model.ItemKindClub, Meta: json.RawMessage(`{"program":"TAP"}`), Status: model.ItemStatusPending},
				},
			})
			return err
		}))

		_, err := svc.ClosePurchase(ctx, testActor, purchaseID, nil)
		require.ErrorIs(t, err, model.ErrValidation)

		assert.Equal(t, int64(0), balanceOf(t, svc, id).Latam)
		assert.Empty(t, repo.Commissions())
		stored, err := repo.GetPurchase(ctx, purchaseID)
		require.NoError(t, err)
		assert.Equal(t, model.PurchaseStatusOpen, stored.Status)
	})

	t.Run("blocked program rolls back the close", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
		require.NoError(t, err)
		repo.BlockAccount(id, model.ProgramSmiles, "audit")

		_, err = svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.ErrorIs(t, err, model.ErrAccountBlocked)

		assert.Equal(t, model.PerProgram{}, balanceOf(t, svc, id))
		assert.Empty(t, repo.Commissions())
		assert.Empty(t, repo.ClubSubscriptions())
		stored, err := repo.GetPurchase(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PurchaseStatusOpen, stored.Status)
	})

	t.Run("block on untouched program does not interfere", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		p, err := svc.CreatePurchase(ctx, testActor, mixedPurchase(id))
		require.NoError(t, err)
		repo.BlockAccount(id, model.ProgramEsfera, "audit")

		_, err = svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.NoError(t, err)
	})
}

func TestClosePurchase_ClubSubscriptions(t *testing.T) {
	ctx := context.Background()

	closeClub := func(t *testing.T, svc *Service, customerID int64, meta string) {
		t.Helper()
		p, err := svc.CreatePurchase(ctx, testActor, PurchaseInput{
			CustomerID: customerID,
			Items:      []PurchaseItemInput{{Kind: model.ItemKindClub, Meta: json.RawMessage(meta)}},
		})
		require.NoError(t, err)
		res, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.ClubSubscriptionsLinked)
	}

	t.Run("latam dates from start and renewal day", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		closeClub(t, svc, id, `{"program":"LATAM","tier":5,"priceCents":4990,"renewalDay":10,"startDate":"2024-06-01"}`)

		subs := repo.ClubSubscriptions()
		require.Len(t, subs, 1)
		sub := subs[0]
		assert.Equal(t, model.ProgramLatam, sub.Program)
		assert.Equal(t, 5, sub.Tier)
		assert.Equal(t, day(2024, time.June, 1), sub.SubscribedAt)
		require.NotNil(t, sub.NextRenewalAt)
		assert.Equal(t, day(2024, time.June, 10), *sub.NextRenewalAt)
		require.NotNil(t, sub.InactiveAt)
		assert.Equal(t, day(2024, time.June, 11), *sub.InactiveAt)
		require.NotNil(t, sub.PointsExpireAt)
		assert.Equal(t, day(2024, time.June, 21), *sub.PointsExpireAt)
		assert.Nil(t, sub.SmilesBonusEligibleAt)
		assert.Equal(t, model.SubscriptionStatusActive, sub.Status)
	})

	t.Run("missing start date uses today", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		closeClub(t, svc, id, `{"program":"LIVELO","tier":1}`)

		sub := repo.ClubSubscriptions()[0]
		assert.Equal(t, day(2024, time.June, 15), sub.SubscribedAt)
		require.NotNil(t, sub.PointsExpireAt)
		assert.Equal(t, day(2024, time.July, 15), *sub.PointsExpireAt)
		assert.Nil(t, sub.NextRenewalAt)
	})

	t.Run("smiles bonus counts from latest prior start", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{})
		closeClub(t, svc, id, `{"program":"SMILES","startDate":"2024-01-10"}`)
		closeClub(t, svc, id, `{"program":"SMILES","startDate":"2023-12-01"}`)

		subs := repo.ClubSubscriptions()
		require.Len(t, subs, 2)
		require.NotNil(t, subs[0].SmilesBonusEligibleAt)
		assert.Equal(t, day(2025, time.January, 9), *subs[0].SmilesBonusEligibleAt)
		require.NotNil(t, subs[1].SmilesBonusEligibleAt)
		assert.Equal(t, day(2025, time.January, 9), *subs[1].SmilesBonusEligibleAt)
		require.NotNil(t, subs[1].PointsExpireAt)
		assert.Equal(t, subs[1].InactiveAt.AddDate(0, 0, 60), *subs[1].PointsExpireAt)
	})
}

func TestResolveAppliedBalances(t *testing.T) {
	current := model.PerProgram{Latam: 100, Smiles: 200, Livelo: 300, Esfera: 400}
	expected := map[model.Program]int64{model.ProgramLatam: 1100, model.ProgramSmiles: 1200}
	overrides := map[model.Program]int64{model.ProgramSmiles: 50, model.ProgramEsfera: 0}

	base := map[model.Program]int64{model.ProgramLatam: 100, model.ProgramSmiles: 200}

	got := ResolveAppliedBalances(overrides, expected, base, current)
	assert.Equal(t, model.PerProgram{Latam: 1100, Smiles: 50, Livelo: 300, Esfera: 0}, got)

	assert.Equal(t, current, ResolveAppliedBalances(nil, nil, nil, current))

	t.Run("snapshot moves with the current balance", func(t *testing.T) {
		moved := model.PerProgram{Latam: 40, Smiles: 900}
		got := ResolveAppliedBalances(nil, expected, base, moved)
		assert.Equal(t, model.PerProgram{Latam: 1040, Smiles: 1900}, got)
	})

	t.Run("snapshot without base is absolute", func(t *testing.T) {
		got := ResolveAppliedBalances(nil, expected, nil, current)
		assert.Equal(t, model.PerProgram{Latam: 1100, Smiles: 1200, Livelo: 300, Esfera: 400}, got)
	})
}

func TestClosePurchase_KeepsMovementsWhileOpen(t *testing.T) {
	ctx := context.Background()
	latamPurchase := func(customerID, points int64) PurchaseInput {
		return PurchaseInput{
			CustomerID: customerID,
			Items: []PurchaseItemInput{
				{Kind: model.ItemKindPoints, Program: model.ProgramLatam, Points: points, PricePerThousandCents: 1500},
			},
		}
	}

	t.Run("sale made before close stays debited", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{Latam: 50000})

		p, err := svc.CreatePurchase(ctx, testActor, latamPurchase(id, 10000))
		require.NoError(t, err)

		sale, err := svc.CreateSale(ctx, testActor, latamSale(id))
		require.NoError(t, err)
		assert.Equal(t, int64(30000), sale.Balance)

		res, err := svc.ClosePurchase(ctx, testActor, p.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), res.Purchase.CreditedPoints.Latam)
		assert.Equal(t, int64(40000), res.Purchase.AppliedBalances.Latam)
		assert.Equal(t, int64(40000), balanceOf(t, svc, id).Latam)
	})

	t.Run("two open purchases both credit", func(t *testing.T) {
		svc, repo := newTestService(t)
		id := addApproved(repo, "Ana", model.PerProgram{Latam: 1000})

		first, err := svc.CreatePurchase(ctx, testActor, latamPurchase(id, 5000))
		require.NoError(t, err)
		second, err := svc.CreatePurchase(ctx, testActor, latamPurchase(id, 2000))
		require.NoError(t, err)

		_, err = svc.ClosePurchase(ctx, testActor, first.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(6000), balanceOf(t, svc, id).Latam)

		res, err := svc.ClosePurchase(ctx, testActor, second.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), res.Purchase.CreditedPoints.Latam)
		assert.Equal(t, int64(8000), balanceOf(t, svc, id).Latam)
	})
}

func TestPurchasePayout(t *testing.T) {
	p := &model.Purchase{Items: []model.PurchaseItem{
		{Kind: model.ItemKindPoints, Points: 5000, PricePerThousandCents: 1500},
		{Kind: model.ItemKindPoints, Points: 1500, PricePerThousandCents: 1},
		{Kind: model.ItemKindClub, Points: 9000, PricePerThousandCents: 1000},
	}}
	assert.Equal(t, int64(7502), PurchasePayout(p))

	p.PayoutCents = 100
	assert.Equal(t, int64(100), PurchasePayout(p))
}
