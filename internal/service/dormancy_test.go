package service

import (
	"context"
	"testing"

	"github.com/Dan9191/coop-ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDormancySweepAndReactivation(t *testing.T) {
	notifier := &recordingNotifier{}
	svc, _, clock := newTestService(t, WithNotifier(notifier))
	ctx := context.Background()

	_, idle := openAccount(t, svc, "300")
	_, busy := openAccount(t, svc, "300")
	clock.AddMonths(6)
	_, err := svc.Ledger.Deposit(ctx, busy.ID, d("1"), teller, "")
	require.NoError(t, err)

	clock.AddMonths(7)
	result, err := svc.Dormancy.Sweep(ctx, 12, system)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []int64{idle.ID}, notifier.dormant)

	dormant, err := svc.Dormancy.DormantAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, dormant, 1)
	assert.Equal(t, idle.ID, dormant[0].ID)

	records, err := svc.Dormancy.Records(ctx, models.DormancyOpen)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, system.ID, records[0].FlaggedBy)
	require.NotNil(t, records[0].LastTransactionAt)

	_, err = svc.Ledger.Deposit(ctx, idle.ID, d("5"), teller, "")
	require.ErrorIs(t, err, models.ErrState)
	_, err = svc.Ledger.Withdraw(ctx, idle.ID, d("5"), teller, "")
	require.ErrorIs(t, err, models.ErrState)

	again, err := svc.Dormancy.Sweep(ctx, 12, system)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Succeeded)

	reactivated, err := svc.Dormancy.Reactivate(ctx, idle.ID, manager)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, reactivated.Status)

	records, err = svc.Dormancy.Records(ctx, models.DormancyReactivated)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, manager.ID, records[0].ReactivatedBy)

	_, err = svc.Ledger.Deposit(ctx, idle.ID, d("5"), teller, "")
	require.NoError(t, err)

	// Reactivation resets the clock: no re-flag until a full threshold passes.
	clock.AddMonths(11)
	result, err = svc.Dormancy.Sweep(ctx, 12, system)
	require.NoError(t, err)
	got, err := svc.Ledger.Account(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountActive, got.Status)

	clock.AddMonths(2)
	_, err = svc.Dormancy.Sweep(ctx, 12, system)
	require.NoError(t, err)
	got, err = svc.Ledger.Account(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountDormant, got.Status)
}

func TestReactivateRequiresDormantAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, acc := openAccount(t, svc, "10")

	_, err := svc.Dormancy.Reactivate(ctx, acc.ID, manager)
	require.ErrorIs(t, err, models.ErrState)
	_, err = svc.Dormancy.Reactivate(ctx, 4242, manager)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSweepValidatesThreshold(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Dormancy.Sweep(context.Background(), 0, system)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSweepOnEmptyStore(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, err := svc.Dormancy.Sweep(context.Background(), 12, system)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}
