package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clinictest"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/directory"
	"github.com/clinicflow/scheduling-core/internal/events"
	redisclient "github.com/clinicflow/scheduling-core/internal/redis"
	"github.com/clinicflow/scheduling-core/internal/settlement"
)

// Monday.
var week = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

var admin = auth.Principal{UserID: uuid.New(), Roles: []auth.Role{auth.RoleAdmin}}

type fixture struct {
	store  *clinictest.Store
	dir    *clinictest.Directory
	svc    *settlement.Service
	doctor uuid.UUID
}

func newFixture(t *testing.T, doctorFee string) *fixture {
	t.Helper()
	f := &fixture{
		store: clinictest.NewStore(),
		dir:   clinictest.NewDirectory(),
	}
	f.doctor = f.dir.AddDoctor(doctorFee)
	f.svc = settlement.NewService(f.store.Settlement(), f.dir, redisclient.NewLocalLocker(), settlement.Options{
		Clock:          clock.NewFrozen(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)),
		Window:         clock.DefaultWindow(),
		CommissionRate: decimal.RequireFromString("0.05"),
		MinFeeRatio:    decimal.RequireFromString("0.10"),
	}, zerolog.Nop())
	return f
}

func (f *fixture) plant(start time.Time, status appointment.AppointmentStatus) uuid.UUID {
	a := appointment.Appointment{
		ID:        uuid.New(),
		DoctorID:  f.doctor,
		PatientID: uuid.New(),
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    status,
	}
	f.store.Put(a)
	return a.ID
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRunWeeklySettlement_EndToEnd(t *testing.T) {
	f := newFixture(t, "150000")
	id := f.plant(week.Add(2*24*time.Hour+10*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(id, directory.PaymentPaid, "150000")
	f.dir.SetRental(id, "30000")

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.PayoutsCreated != 1 || summary.Flagged != 0 || len(summary.Errors) != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	p := f.store.Payouts()[0]
	if !p.DoctorPayout.Equal(money("112500")) ||
		!p.ClinicRevenue.Equal(money("30000")) ||
		!p.PlatformCommission.Equal(money("7500")) {
		t.Fatalf("unexpected split %+v", p)
	}
	if p.Status != settlement.PayoutPending || !p.WeekStartDate.Equal(week) {
		t.Fatalf("unexpected payout %+v", p)
	}

	evs := f.store.Events()
	if len(evs) != 1 || evs[0].EventType != events.PayoutCreated {
		t.Fatalf("expected one payout event, got %+v", evs)
	}
}

func TestRunWeeklySettlement_Reconciles(t *testing.T) {
	f := newFixture(t, "100000")
	id := f.plant(week.Add(9*time.Hour), appointment.StatusConfirmed)
	f.dir.SetPayment(id, directory.PaymentPaid, "100000")
	f.dir.SetRental(id, "20000")

	if _, err := f.svc.RunWeeklySettlement(context.Background(), admin, week); err != nil {
		t.Fatalf("settle: %v", err)
	}

	p := f.store.Payouts()[0]
	if !p.DoctorPayout.Equal(money("75000")) {
		t.Fatalf("expected 75000, got %s", p.DoctorPayout)
	}
	sum := p.DoctorPayout.Add(p.ClinicRevenue).Add(p.PlatformCommission)
	if !sum.Equal(p.ConsultationFee) {
		t.Fatalf("split does not reconcile: %s != %s", sum, p.ConsultationFee)
	}
}

func TestRunWeeklySettlement_Idempotent(t *testing.T) {
	f := newFixture(t, "100000")
	for i := 0; i < 3; i++ {
		id := f.plant(week.Add(time.Duration(24*i+9)*time.Hour), appointment.StatusCompleted)
		f.dir.SetPayment(id, directory.PaymentPaid, "100000")
	}

	first, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if first.PayoutsCreated != 3 || second.PayoutsCreated != 0 {
		t.Fatalf("expected 3 then 0 payouts, got %d then %d", first.PayoutsCreated, second.PayoutsCreated)
	}
	if n := len(f.store.Payouts()); n != 3 {
		t.Fatalf("expected 3 payouts in total, got %d", n)
	}
}

func TestRunWeeklySettlement_CancelledPayoutCanBeRedone(t *testing.T) {
	f := newFixture(t, "100000")
	id := f.plant(week.Add(9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(id, directory.PaymentPaid, "100000")

	if _, err := f.svc.RunWeeklySettlement(context.Background(), admin, week); err != nil {
		t.Fatalf("settle: %v", err)
	}
	f.store.SetPayoutStatus(id, settlement.PayoutCancelled)

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("re-settle: %v", err)
	}
	if summary.PayoutsCreated != 1 {
		t.Fatalf("a cancelled payout should not block a new one, got %+v", summary)
	}
}

func TestRunWeeklySettlement_Eligibility(t *testing.T) {
	f := newFixture(t, "100000")

	paid := f.plant(week.Add(9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(paid, directory.PaymentPaid, "100000")

	unpaid := f.plant(week.Add(10*time.Hour), appointment.StatusConfirmed)
	f.dir.SetPayment(unpaid, directory.PaymentPending, "")

	cancelled := f.plant(week.Add(11*time.Hour), appointment.StatusCancelled)
	f.dir.SetPayment(cancelled, directory.PaymentPaid, "100000")

	nextWeek := f.plant(week.Add(7*24*time.Hour+9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(nextWeek, directory.PaymentPaid, "100000")

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.PayoutsCreated != 1 || summary.Skipped != 1 {
		t.Fatalf("expected 1 created and 1 skipped, got %+v", summary)
	}
	if got := f.store.Payouts()[0].AppointmentID; got != paid {
		t.Fatalf("payout created for the wrong appointment %s", got)
	}
}

func TestRunWeeklySettlement_FlagsSentinelAmounts(t *testing.T) {
	f := newFixture(t, "150000")

	sentinel := f.plant(week.Add(9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(sentinel, directory.PaymentPaid, "1")

	missing := f.plant(week.Add(10*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(missing, directory.PaymentPaid, "")

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.Flagged != 2 {
		t.Fatalf("expected both payouts flagged, got %+v", summary)
	}

	reasons := map[uuid.UUID]string{}
	for _, p := range f.store.Payouts() {
		if !p.ConsultationFee.Equal(money("150000")) || !p.NeedsReview {
			t.Errorf("expected doctor fee substituted and flagged, got %+v", p)
		}
		reasons[p.AppointmentID] = p.ReviewReason
	}
	if reasons[sentinel] != settlement.ReviewPaymentBelowThreshold || reasons[missing] != settlement.ReviewPaymentMissing {
		t.Fatalf("unexpected review reasons %v", reasons)
	}
}

func TestRunWeeklySettlement_ClampsNegativePayout(t *testing.T) {
	f := newFixture(t, "50000")
	id := f.plant(week.Add(9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(id, directory.PaymentPaid, "50000")
	f.dir.SetRental(id, "60000")

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	p := summary.Payouts[0]
	if !p.DoctorPayout.IsZero() || !p.NeedsReview || p.ReviewReason != settlement.ReviewNegativePayoutClamped {
		t.Fatalf("expected clamped payout, got %+v", p)
	}
}

func TestRunWeeklySettlement_ItemErrorsDoNotStopBatch(t *testing.T) {
	f := newFixture(t, "100000")
	id := f.plant(week.Add(9*time.Hour), appointment.StatusCompleted)
	f.dir.SetPayment(id, directory.PaymentPaid, "100000")
	f.dir.PaymentErr = errors.New("ledger timeout")

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("batch must not fail on item errors: %v", err)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].AppointmentID != id {
		t.Fatalf("expected one item error, got %+v", summary.Errors)
	}
	if len(f.store.Payouts()) != 0 {
		t.Fatal("failed item must not leave a payout")
	}
}

func (f *fixture) plantPaid(n int) {
	for i := 0; i < n; i++ {
		id := f.plant(week.Add(time.Duration(9+i)*time.Hour), appointment.StatusCompleted)
		f.dir.SetPayment(id, directory.PaymentPaid, "100000")
	}
}

func TestRunWeeklySettlement_BatchOutlivesRedisLockTTL(t *testing.T) {
	f := newFixture(t, "100000")
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f.svc = settlement.NewService(f.store.Settlement(), f.dir, redisclient.NewRedisLocker(rdb, 50*time.Millisecond), settlement.Options{
		Clock:          clock.NewFrozen(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)),
		Window:         clock.DefaultWindow(),
		CommissionRate: decimal.RequireFromString("0.05"),
		MinFeeRatio:    decimal.RequireFromString("0.10"),
	}, zerolog.Nop())

	f.plantPaid(10)
	// Ten ledger lookups take several lock TTLs in total.
	f.dir.PaymentDelay = 20 * time.Millisecond

	summary, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if summary.PayoutsCreated != 10 || len(summary.Errors) != 0 {
		t.Fatalf("expected every appointment settled, got %+v", summary)
	}
	if len(f.store.Payouts()) != 10 {
		t.Fatalf("expected 10 payouts, got %d", len(f.store.Payouts()))
	}
	if mr.Exists("lock:settlement:week:2025-03-03") {
		t.Fatal("week lock should be released")
	}
}

func TestRunWeeklySettlement_StoppedBatchReportsUnprocessed(t *testing.T) {
	f := newFixture(t, "100000")
	f.plantPaid(10)
	f.dir.PaymentDelay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	summary, err := f.svc.RunWeeklySettlement(ctx, admin, week)
	if err != nil {
		t.Fatalf("a stopped batch should still return its summary: %v", err)
	}
	if len(summary.Errors) == 0 {
		t.Fatal("expected unprocessed appointments listed in errors")
	}
	if got := summary.PayoutsCreated + summary.Skipped + len(summary.Errors); got != 10 {
		t.Fatalf("every candidate must be accounted for, got %d (%+v)", got, summary)
	}
	if len(f.store.Payouts()) != summary.PayoutsCreated {
		t.Fatalf("summary reports %d payouts, store has %d", summary.PayoutsCreated, len(f.store.Payouts()))
	}

	// A re-run picks up only what was left.
	rerun, err := f.svc.RunWeeklySettlement(context.Background(), admin, week)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if rerun.PayoutsCreated != 10-summary.PayoutsCreated || len(f.store.Payouts()) != 10 {
		t.Fatalf("re-run should finish the week, got %+v", rerun)
	}
}

func TestRunWeeklySettlement_Guards(t *testing.T) {
	f := newFixture(t, "100000")

	_, err := f.svc.RunWeeklySettlement(context.Background(), admin, week.AddDate(0, 0, 1))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for a Tuesday, got %v", err)
	}

	staff := auth.Principal{UserID: uuid.New(), Roles: []auth.Role{auth.RoleStaff}}
	_, err = f.svc.RunWeeklySettlement(context.Background(), staff, week)
	if !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}

	if _, err := f.svc.RunWeeklySettlement(context.Background(), auth.System(), week); err != nil {
		t.Fatalf("system principal should settle: %v", err)
	}
}

func TestParseWeekAndPreviousWeek(t *testing.T) {
	w := clock.DefaultWindow()

	got, err := settlement.ParseWeek(w, "2025-03-03")
	if err != nil || !got.Equal(week) {
		t.Fatalf("ParseWeek = %v, %v", got, err)
	}
	if _, err := settlement.ParseWeek(w, "03/03/2025"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Wednesday of the following week.
	if prev := settlement.PreviousWeek(w, time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)); !prev.Equal(week) {
		t.Fatalf("PreviousWeek = %s", prev)
	}
}
