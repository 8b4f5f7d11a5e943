package migrate_test

import (
	"context"
	"testing"

	"escrowline/internal/db"
	"escrowline/internal/migrate"
)

func TestApplyIsIncremental(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := migrate.Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh database: version %d err %v", v, err)
	}
	latest, err := migrate.Latest()
	if err != nil || latest < 2 {
		t.Fatalf("latest version %d err %v", latest, err)
	}

	applied, err := migrate.Apply(context.Background(), conn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != latest || applied[0].Version != 1 {
		t.Fatalf("unexpected applied migrations %+v", applied)
	}
	if v, _ := migrate.Version(conn); v != latest {
		t.Fatalf("expected version %d, got %d", latest, v)
	}

	again, err := migrate.Apply(context.Background(), conn)
	if err != nil || len(again) != 0 {
		t.Fatalf("second apply: %+v %v", again, err)
	}
}

func TestSchemaCarriesSettlementClaim(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := conn.Exec(`INSERT INTO contracts(id,client_id,worker_id,gross_amount,platform_fee_bps,escrow_status,created_at,status_changed_at,settlement_claim)
VALUES ('c1','a','b',100,700,'HELD','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z','refund:x')`); err != nil {
		t.Fatalf("insert claimed contract: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO unresolved_notifications(id,provider,reason,payload,received_at)
VALUES ('n1','sandbox','amount_mismatch',x'7b7d','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("amount_mismatch reason rejected: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO unresolved_notifications(id,provider,reason,payload,received_at)
VALUES ('n2','sandbox','bogus',x'7b7d','2024-01-01T00:00:00Z')`); err == nil {
		t.Fatalf("unknown reason accepted")
	}
}
