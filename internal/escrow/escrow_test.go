package escrow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valeconecta/internal/db"
	"valeconecta/internal/domain"
	"valeconecta/internal/escrow"
	"valeconecta/internal/migrate"
	"valeconecta/internal/payment"
	"valeconecta/internal/repo"
)

type testEnv struct {
	Coord   *escrow.Coordinator
	Gateway *payment.Sandbox
	Repo    repo.Repo
	Ctx     context.Context
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	gw := payment.NewSandbox()
	c := escrow.New(conn, r, gw)
	c.Now = func() time.Time { return fixedNow }
	return testEnv{Coord: c, Gateway: gw, Repo: r, Ctx: context.Background()}
}

func (env testEnv) seedTask(t *testing.T, id string) {
	t.Helper()
	tx, err := env.Repo.DB.Begin()
	require.NoError(t, err)
	ts := fixedNow.Format(time.RFC3339)
	require.NoError(t, env.Repo.InsertTaskTx(env.Ctx, tx, domain.Task{
		ID: id, Title: "Pintar parede", Status: domain.StatusOpen, ClientID: "c1", CreatedAt: ts, UpdatedAt: ts,
	}))
	require.NoError(t, tx.Commit())
}

func TestHoldIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	amount := escrow.Amount{ServiceCents: 10000}

	first, err := env.Coord.Hold(env.Ctx, "t1", amount, payment.Metadata{})
	require.NoError(t, err)
	second, err := env.Coord.Hold(env.Ctx, "t1", amount, payment.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, first.HoldID, second.HoldID)
	assert.Equal(t, int64(10000), second.HeldCents)
	assert.Equal(t, 1, env.Gateway.Stats().Holds)

	_, err = env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 20000}, payment.Metadata{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHoldCaptureFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	env.Gateway.FailHold = errors.New("cartão recusado")

	_, err := env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 10000}, payment.Metadata{})
	require.ErrorIs(t, err, domain.ErrPaymentCaptureFailed)
	_, err = env.Coord.Entry(env.Ctx, "t1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestReleaseThenRefundFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	_, err := env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 10000, MaterialsCents: 2000}, payment.Metadata{})
	require.NoError(t, err)

	entry, err := env.Coord.Release(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, entry.State)
	assert.Equal(t, int64(12000), entry.ReleasedCents)
	assert.Equal(t, int64(1000), entry.FeeCents)
	assert.Equal(t, int64(11000), entry.PayoutCents())

	_, err = env.Coord.Refund(env.Ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.Coord.Release(env.Ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := env.Coord.Entry(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, stored.RefundedCents)
	assert.LessOrEqual(t, stored.ReleasedCents+stored.RefundedCents, stored.HeldCents)
}

func TestReleaseWithoutHold(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Coord.Release(env.Ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFailedReleaseKeepsFundsHeld(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	_, err := env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 10000}, payment.Metadata{})
	require.NoError(t, err)

	env.Gateway.FailCapture = errors.New("gateway timeout")
	_, err = env.Coord.Release(env.Ctx, "t1")
	require.ErrorIs(t, err, domain.ErrPaymentReleaseFailed)

	stored, err := env.Coord.Entry(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowHeld, stored.State)
	assert.Zero(t, stored.ReleasedCents)

	env.Gateway.FailCapture = nil
	_, err = env.Coord.Release(env.Ctx, "t1")
	require.NoError(t, err)
}

func TestConcurrentReleaseAndRefundExactlyOneWins(t *testing.T) {
	for i := 0; i < 10; i++ {
		env := newTestEnv(t)
		env.seedTask(t, "t1")
		_, err := env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 10000}, payment.Metadata{})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, errs[0] = env.Coord.Release(env.Ctx, "t1") }()
		go func() { defer wg.Done(); _, errs[1] = env.Coord.Refund(env.Ctx, "t1") }()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidState)
			}
		}
		require.Equal(t, 1, wins)

		stats := env.Gateway.Stats()
		assert.Equal(t, int64(10000), stats.CapturedCents+stats.RefundedCents)
		stored, err := env.Coord.Entry(env.Ctx, "t1")
		require.NoError(t, err)
		assert.True(t, stored.ReleasedCents == 0 || stored.RefundedCents == 0)
	}
}

func TestSettlementMovesMoneyOnlyWhenApplied(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	_, err := env.Coord.Hold(env.Ctx, "t1", escrow.Amount{ServiceCents: 10000}, payment.Metadata{})
	require.NoError(t, err)

	tx, err := env.Repo.DB.Begin()
	require.NoError(t, err)
	s, err := env.Coord.ReleaseTx(env.Ctx, tx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, s.Entry.State)
	require.NoError(t, tx.Rollback())
	assert.Zero(t, env.Gateway.Stats().CapturedCents, "ledger write alone must not capture")

	tx, err = env.Repo.DB.Begin()
	require.NoError(t, err)
	s, err = env.Coord.ReleaseTx(env.Ctx, tx, "t1")
	require.NoError(t, err)
	require.NoError(t, s.Apply(env.Ctx))
	require.NoError(t, tx.Rollback())
	assert.Equal(t, int64(10000), env.Gateway.Stats().CapturedCents)

	// The ledger lost the release; retrying converges on the same capture.
	entry, err := env.Coord.Release(env.Ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, entry.State)
	assert.Equal(t, int64(10000), env.Gateway.Stats().CapturedCents)
}

func TestDueForRelease(t *testing.T) {
	env := newTestEnv(t)
	env.seedTask(t, "t1")
	env.seedTask(t, "t2")
	for _, id := range []string{"t1", "t2"} {
		_, err := env.Coord.Hold(env.Ctx, id, escrow.Amount{ServiceCents: 5000}, payment.Metadata{})
		require.NoError(t, err)
	}
	tx, err := env.Repo.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, env.Coord.ScheduleReleaseTx(env.Ctx, tx, "t1", fixedNow.Add(72*time.Hour)))
	require.NoError(t, tx.Commit())

	due, err := env.Coord.DueForRelease(env.Ctx, fixedNow.Add(71*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = env.Coord.DueForRelease(env.Ctx, fixedNow.Add(73*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].TaskID)
}

func TestFeeRounding(t *testing.T) {
	c := &escrow.Coordinator{FeeBasisPoints: 1000}
	assert.Equal(t, int64(1000), c.Fee(10000))
	assert.Equal(t, int64(1), c.Fee(5))
	assert.Equal(t, int64(0), c.Fee(4))
	c.FeeBasisPoints = 500
	assert.Equal(t, int64(500), c.Fee(10000))
}
