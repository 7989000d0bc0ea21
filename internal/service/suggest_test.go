package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/milheiro-ledger/internal/model"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		leftover int64
		want     Bucket
	}{
		{0, BucketExactFit},
		{2000, BucketExactFit},
		{2001, BucketThinSurplus},
		{2999, BucketThinSurplus},
		{3000, BucketMidSurplus},
		{10000, BucketMidSurplus},
		{10001, BucketHealthySurplus},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BucketFor(tt.leftover), "leftover %d", tt.leftover)
	}
}

func TestSuggestCustomersForSale(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	exact := addApproved(repo, "exact", model.PerProgram{Latam: 21000})
	healthy := addApproved(repo, "healthy", model.PerProgram{Latam: 40000})
	mid := addApproved(repo, "mid", model.PerProgram{Latam: 25000})
	thin := addApproved(repo, "thin", model.PerProgram{Latam: 22500})
	addApproved(repo, "short", model.PerProgram{Latam: 10000})
	repo.AddCustomer(model.Customer{Name: "pending", Status: model.CustomerStatusPending, Balances: model.PerProgram{Latam: 35000}})
	blocked := addApproved(repo, "blocked", model.PerProgram{Latam: 50000})
	repo.BlockAccount(blocked, model.ProgramLatam, "audit")
	alert := addApproved(repo, "alert", model.PerProgram{Latam: 31000})
	repo.AddEmission(model.EmissionEvent{
		CustomerID: alert,
		Program:    model.ProgramLatam,
		Passengers: 24,
		IssuedAt:   time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
		Source:     model.EmissionSourceManual,
	})

	got, err := svc.SuggestCustomersForSale(ctx, model.ProgramLatam, 20000, 2)
	require.NoError(t, err)

	ids := make([]int64, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.CustomerID)
	}
	assert.Equal(t, []int64{exact, healthy, alert, mid, thin}, ids)

	byID := make(map[int64]Suggestion, len(got))
	for _, s := range got {
		byID[s.CustomerID] = s
	}
	assert.Equal(t, BucketExactFit, byID[exact].Bucket)
	assert.Equal(t, int64(1000), byID[exact].Leftover)
	assert.Equal(t, BucketHealthySurplus, byID[alert].Bucket)
	assert.True(t, byID[alert].QuotaAlert)
	assert.Equal(t, 1, byID[alert].QuotaRemaining)
	assert.False(t, byID[healthy].QuotaAlert)
	assert.Equal(t, 25, byID[healthy].QuotaRemaining)
	assert.Equal(t, BucketThinSurplus, byID[thin].Bucket)
}

func TestSuggestCustomersForSale_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SuggestCustomersForSale(ctx, "TAP", 1000, 1)
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.SuggestCustomersForSale(ctx, model.ProgramSmiles, 0, 1)
	require.ErrorIs(t, err, model.ErrValidation)

	got, err := svc.SuggestCustomersForSale(ctx, model.ProgramSmiles, 1000, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuotaRemaining(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	id := addApproved(repo, "Ana", model.PerProgram{})

	emit := func(p model.Program, n int, at time.Time) {
		repo.AddEmission(model.EmissionEvent{CustomerID: id, Program: p, Passengers: n, IssuedAt: at, Source: model.EmissionSourceImport})
	}
	emit(model.ProgramSmiles, 5, time.Date(2023, time.December, 31, 23, 0, 0, 0, time.UTC))
	emit(model.ProgramSmiles, 3, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	emit(model.ProgramLatam, 10, time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC))
	emit(model.ProgramLatam, 4, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))

	smiles, err := svc.QuotaRemaining(ctx, id, model.ProgramSmiles, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, smiles.Used)
	assert.Equal(t, 22, smiles.Remaining)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), smiles.WindowStart)

	latam, err := svc.QuotaRemaining(ctx, id, model.ProgramLatam, testNow)
	require.NoError(t, err)
	assert.Equal(t, 4, latam.Used)
	assert.Equal(t, 21, latam.Remaining)

	livelo, err := svc.QuotaRemaining(ctx, id, model.ProgramLivelo, testNow)
	require.NoError(t, err)
	assert.Equal(t, 9999, livelo.Remaining)

	_, err = svc.QuotaRemaining(ctx, 404, model.ProgramLatam, testNow)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.QuotaRemaining(ctx, id, "TAP", testNow)
	require.ErrorIs(t, err, model.ErrValidation)
}
