package db

import (
	"strings"
	"testing"
)

func TestLoadMigrations_Sorted(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %d then %d", migrations[i-1].Version, migrations[i].Version)
		}
	}
}

func TestMigrations_GuardDoubleBooking(t *testing.T) {
	migrations, err := LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	sql := all.String()
	for _, idx := range []string{
		"appointments_doctor_slot_active",
		"appointments_room_slot_active",
		"payouts_one_active_per_appointment",
	} {
		if !strings.Contains(sql, idx) {
			t.Errorf("missing index %s", idx)
		}
	}
}
