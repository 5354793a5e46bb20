package engine

import (
	"context"
	"testing"

	"valeconecta/internal/config"
	"valeconecta/internal/db"
	"valeconecta/internal/domain"
	"valeconecta/internal/events"
	"valeconecta/internal/migrate"
	"valeconecta/internal/payment"
)

func newUnitEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := New(conn, db.SQLite, config.Default(), payment.NewSandbox())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func TestUnitHoldsLocksUntilCommit(t *testing.T) {
	ctx := context.Background()
	e := newUnitEngine(t)
	u, err := e.begin(ctx, domain.Caller{ActorID: "adm-1", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	calls, visible := 0, -1
	u.holdUntilDone(func() {
		calls++
		if err := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&visible); err != nil {
			t.Errorf("count events: %v", err)
		}
	})
	if err := u.event(events.BadgeEarned, "professional", "pro-1", events.EventPayload{"badge": "pontual"}); err != nil {
		t.Fatalf("event: %v", err)
	}
	if err := u.commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	u.rollback()
	if calls != 1 {
		t.Fatalf("expected one unlock, got %d", calls)
	}
	if visible != 1 {
		t.Fatalf("lock released before the write was visible (saw %d events)", visible)
	}
}

func TestUnitReleasesLocksOnRollback(t *testing.T) {
	e := newUnitEngine(t)
	unlock := e.Reputation.LockProfessional("pro-1")
	u, err := e.begin(context.Background(), domain.Caller{ActorID: "adm-1", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	u.holdUntilDone(unlock)
	u.rollback()
	// Blocks forever if rollback kept the lock.
	e.Reputation.LockProfessional("pro-1")()
}
