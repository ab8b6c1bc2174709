package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/donation_ledger/internal/app/domain/donation"
	"github.com/R3E-Network/donation_ledger/internal/app/domain/ledger"
	"github.com/R3E-Network/donation_ledger/internal/app/storage/memory"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

func newSweepFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	l := newFakeLedger()
	later := func() time.Time { return time.Now().Add(time.Minute) }
	svc := New(store, store, l, logger.Discard(), WithClock(later))
	return &fixture{svc: svc, store: store, ledger: l}
}

func TestSweepSettlesDecidedTransactions(t *testing.T) {
	f := newSweepFixture(t)
	c := f.active(t)
	ok := f.donate(t, c.ID, 10)
	bad := f.donate(t, c.ID, 20)
	waiting := f.donate(t, c.ID, 30)
	f.ledger.setReceipt(ok.TxHash, ledger.Receipt{Mined: true, Success: true, BlockNumber: 5})
	f.ledger.setReceipt(bad.TxHash, ledger.Receipt{Mined: true, Success: false, BlockNumber: 5})

	sweeper := NewSweeper(f.svc, SweeperConfig{MinAge: time.Second, BatchSize: 10}, logger.Discard())
	res, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Examined: 3, Confirmed: 1, Failed: 1, Pending: 1}, res)

	got, _ := f.svc.GetTransaction(context.Background(), waiting.ID)
	assert.Equal(t, donation.StatusPending, got.Status)

	res, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Examined, "only the undecided transaction remains pending")
}

func TestSweepRespectsMinAgeAndBatch(t *testing.T) {
	f := newFixture(t)
	c := f.active(t)
	f.donate(t, c.ID, 10)

	res, err := NewSweeper(f.svc, SweeperConfig{MinAge: time.Hour}, logger.Discard()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Examined)

	s := newSweepFixture(t)
	sc := s.active(t)
	for i := 0; i < 5; i++ {
		s.donate(t, sc.ID, 1)
	}
	res, err = NewSweeper(s.svc, SweeperConfig{BatchSize: 2}, logger.Discard()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
}

func TestSweepCountsVerificationErrors(t *testing.T) {
	f := newSweepFixture(t)
	c := f.active(t)
	f.donate(t, c.ID, 10)
	f.ledger.receiptErr = assert.AnError

	res, err := NewSweeper(f.svc, SweeperConfig{}, logger.Discard()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
}

func TestSweeperLifecycle(t *testing.T) {
	f := newSweepFixture(t)

	bad := NewSweeper(f.svc, SweeperConfig{Schedule: "not a schedule"}, logger.Discard())
	assert.Error(t, bad.Start(context.Background()))

	s := NewSweeper(f.svc, SweeperConfig{Schedule: "@every 1h"}, logger.Discard())
	assert.Equal(t, "pending-sweeper", s.Name())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
