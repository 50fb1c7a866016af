package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduling-core/internal/apperrors"
	"github.com/clinicflow/scheduling-core/internal/appointment"
	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clinictest"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/directory"
	"github.com/clinicflow/scheduling-core/internal/events"
	redisclient "github.com/clinicflow/scheduling-core/internal/redis"
)

// Monday 2025-03-10 09:00 UTC.
var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	store   *clinictest.Store
	dir     *clinictest.Directory
	clk     *clock.Frozen
	svc     *appointment.Service
	doctor  uuid.UUID
	patient uuid.UUID
	room    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, clinictest.NewStore(), redisclient.NewLocalLocker())
}

func newFixtureWith(t *testing.T, store *clinictest.Store, locker redisclient.Locker) *fixture {
	t.Helper()

	f := &fixture{
		store: store,
		dir:   clinictest.NewDirectory(),
		clk:   clock.NewFrozen(base),
	}
	f.doctor = f.dir.AddDoctor("150000")
	f.patient = uuid.New()
	f.room = f.dir.AddRoom(directory.RoomConsultation, true)
	f.dir.Assign(f.doctor, f.patient)

	opts := appointment.DefaultOptions()
	opts.Clock = f.clk
	f.svc = appointment.NewService(f.store.Appointments(), locker, f.dir, opts, zerolog.Nop())
	return f
}

func patientOf(id uuid.UUID) auth.Principal {
	return auth.Principal{UserID: id, Roles: []auth.Role{auth.RolePatient}}
}

func doctorOf(id uuid.UUID) auth.Principal {
	return auth.Principal{UserID: id, Roles: []auth.Role{auth.RoleDoctor}}
}

var staff = auth.Principal{UserID: uuid.New(), Roles: []auth.Role{auth.RoleStaff}}

func (f *fixture) request(start time.Time) appointment.CreateRequest {
	room := f.room
	return appointment.CreateRequest{
		DoctorID:  f.doctor,
		PatientID: f.patient,
		StartTime: start,
		RoomID:    &room,
	}
}

func (f *fixture) book(t *testing.T, start time.Time) *appointment.Appointment {
	t.Helper()
	appt, err := f.svc.CreateAppointment(context.Background(), patientOf(f.patient), f.request(start))
	if err != nil {
		t.Fatalf("book %s: %v", start, err)
	}
	return appt
}

// plant stores an appointment directly, bypassing the booking pipeline.
func (f *fixture) plant(start time.Time, status appointment.AppointmentStatus) appointment.Appointment {
	a := appointment.Appointment{
		ID:        uuid.New(),
		DoctorID:  f.doctor,
		PatientID: f.patient,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		IsVirtual: true,
		Status:    status,
		CreatedBy: f.patient.String(),
		CreatedAt: base,
		UpdatedAt: base,
	}
	f.store.Put(a)
	return a
}

func expectKind(t *testing.T, err error, want apperrors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := apperrors.KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}

func TestAvailability_ExcludesBookedSlot(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(11, 10, 0))

	slots, err := f.svc.Availability(context.Background(), f.doctor, at(11, 0, 0))
	if err != nil {
		t.Fatalf("availability: %v", err)
	}

	has := func(ts time.Time) bool {
		for _, s := range slots {
			if s.Equal(ts) {
				return true
			}
		}
		return false
	}
	if has(at(11, 10, 0)) {
		t.Error("10:00 is booked and must not be offered")
	}
	if !has(at(11, 9, 0)) || !has(at(11, 11, 0)) {
		t.Errorf("adjacent slots must stay free, got %v", slots)
	}
	if len(slots) != 9 {
		t.Errorf("expected 9 free slots, got %d", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i-1].Before(slots[i]) {
			t.Fatalf("slots not ascending: %v", slots)
		}
	}
}

func TestAvailability_NoPastSlots(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(at(10, 14, 30))

	slots, err := f.svc.Availability(context.Background(), f.doctor, at(10, 0, 0))
	if err != nil {
		t.Fatalf("availability: %v", err)
	}

	want := []time.Time{at(10, 15, 0), at(10, 16, 0), at(10, 17, 0)}
	if len(slots) != len(want) {
		t.Fatalf("expected %v, got %v", want, slots)
	}
	for i := range want {
		if !slots[i].Equal(want[i]) {
			t.Fatalf("expected %v, got %v", want, slots)
		}
	}
}

func TestAvailability_UnknownDoctor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Availability(context.Background(), uuid.New(), at(11, 0, 0))
	expectKind(t, err, apperrors.KindNotFound)
}

func TestAvailability_InactiveDoctor(t *testing.T) {
	f := newFixture(t)
	f.dir.SetDoctorActive(f.doctor, false)

	slots, err := f.svc.Availability(context.Background(), f.doctor, at(11, 0, 0))
	expectKind(t, err, apperrors.KindNotFound)
	if len(slots) != 0 {
		t.Fatalf("inactive doctor must not offer slots, got %v", slots)
	}

	_, err = f.svc.CreateAppointment(context.Background(), patientOf(f.patient), f.request(at(11, 10, 0)))
	expectKind(t, err, apperrors.KindNotFound)
}

func TestFreeSlots_IgnoresCancelled(t *testing.T) {
	w := clock.DefaultWindow()
	busy := []appointment.Appointment{
		{StartTime: at(11, 10, 0), EndTime: at(11, 11, 0), Status: appointment.StatusCancelled},
		{StartTime: at(11, 12, 0), EndTime: at(11, 13, 0), Status: appointment.StatusNoShow},
	}

	slots := appointment.FreeSlots(w, at(11, 0, 0), base, busy)
	if len(slots) != 10 {
		t.Fatalf("cancelled and no-show appointments must not block, got %d slots", len(slots))
	}
}

func TestCreateAppointment_Pipeline(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()
	inactiveRoom := f.dir.AddRoom(directory.RoomConsultation, false)
	virtualRoom := f.dir.AddRoom(directory.RoomVirtual, true)
	unknownRoom := uuid.New()

	tests := []struct {
		name   string
		actor  auth.Principal
		mutate func(r *appointment.CreateRequest)
		want   apperrors.Kind
	}{
		{"missing doctor", patientOf(f.patient), func(r *appointment.CreateRequest) { r.DoctorID = uuid.Nil }, apperrors.KindValidation},
		{"missing start", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = time.Time{} }, apperrors.KindValidation},
		{"in person without room", patientOf(f.patient), func(r *appointment.CreateRequest) { r.RoomID = nil }, apperrors.KindValidation},
		{"virtual with room", patientOf(f.patient), func(r *appointment.CreateRequest) { r.IsVirtual = true }, apperrors.KindValidation},
		{"before opening", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = at(11, 7, 0) }, apperrors.KindPolicy},
		{"at closing", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = at(11, 18, 0) }, apperrors.KindPolicy},
		{"misaligned", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = at(11, 10, 30) }, apperrors.KindValidation},
		{"in the past", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = at(10, 8, 0) }, apperrors.KindPolicy},
		{"now", patientOf(f.patient), func(r *appointment.CreateRequest) { r.StartTime = base }, apperrors.KindPolicy},
		{"for someone else", patientOf(stranger), func(r *appointment.CreateRequest) {}, apperrors.KindForbidden},
		{"not assigned", patientOf(stranger), func(r *appointment.CreateRequest) { r.PatientID = stranger }, apperrors.KindRelationship},
		{"unknown doctor", patientOf(f.patient), func(r *appointment.CreateRequest) { r.DoctorID = uuid.New() }, apperrors.KindNotFound},
		{"unknown room", patientOf(f.patient), func(r *appointment.CreateRequest) { r.RoomID = &unknownRoom }, apperrors.KindNotFound},
		{"inactive room", patientOf(f.patient), func(r *appointment.CreateRequest) { r.RoomID = &inactiveRoom }, apperrors.KindValidation},
		{"virtual room in person", patientOf(f.patient), func(r *appointment.CreateRequest) { r.RoomID = &virtualRoom }, apperrors.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(at(11, 10, 0))
			tt.mutate(&req)
			_, err := f.svc.CreateAppointment(context.Background(), tt.actor, req)
			expectKind(t, err, tt.want)
		})
	}

	if n := len(f.store.Events()); n != 0 {
		t.Fatalf("rejected bookings must not write events, got %d", n)
	}
}

func TestCreateAppointment_Success(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, at(11, 10, 0))

	if appt.Status != appointment.StatusPending {
		t.Errorf("expected pending, got %s", appt.Status)
	}
	if !appt.EndTime.Equal(at(11, 11, 0)) {
		t.Errorf("end time must be start + 1h, got %s", appt.EndTime)
	}
	if appt.CreatedBy != f.patient.String() {
		t.Errorf("created_by = %q", appt.CreatedBy)
	}

	evs := f.store.Events()
	if len(evs) != 1 || evs[0].EventType != events.AppointmentCreated {
		t.Fatalf("expected one created event, got %+v", evs)
	}
}

func TestCreateAppointment_DirectoryDownFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.dir.Err = errors.New("connection refused")

	_, err := f.svc.CreateAppointment(context.Background(), patientOf(f.patient), f.request(at(11, 10, 0)))
	expectKind(t, err, apperrors.KindUpstream)
	if n := f.store.ActiveAt(f.doctor, at(11, 10, 0)); n != 0 {
		t.Fatalf("nothing should be booked, got %d", n)
	}
}

func TestCreateAppointment_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	start := at(11, 10, 0)

	const n = 20
	patients := make([]uuid.UUID, n)
	rooms := make([]uuid.UUID, n)
	for i := range patients {
		patients[i] = uuid.New()
		rooms[i] = f.dir.AddRoom(directory.RoomConsultation, true)
		f.dir.Assign(f.doctor, patients[i])
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room := rooms[i]
			_, err := f.svc.CreateAppointment(context.Background(), patientOf(patients[i]), appointment.CreateRequest{
				DoctorID:  f.doctor,
				PatientID: patients[i],
				StartTime: start,
				RoomID:    &room,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, successes, conflicts)
	}
	if got := f.store.ActiveAt(f.doctor, start); got != 1 {
		t.Fatalf("expected exactly one active appointment, got %d", got)
	}
}

// unlocked runs fn without any locking, leaving the store's unique indexes as the only guard.
type unlocked struct{}

func (unlocked) WithLock(ctx context.Context, _ []string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// raceForRoom has n different doctors book the fixture room at start at the same moment
// and returns how many bookings succeeded and how many conflicted.
func raceForRoom(t *testing.T, f *fixture, start time.Time, n int) (successes, conflicts int) {
	t.Helper()

	doctors := make([]uuid.UUID, n)
	patients := make([]uuid.UUID, n)
	for i := range doctors {
		doctors[i] = f.dir.AddDoctor("100000")
		patients[i] = uuid.New()
		f.dir.Assign(doctors[i], patients[i])
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ready = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			room := f.room
			_, err := f.svc.CreateAppointment(context.Background(), patientOf(patients[i]), appointment.CreateRequest{
				DoctorID:  doctors[i],
				PatientID: patients[i],
				StartTime: start,
				RoomID:    &room,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, apperrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(ready)
	wg.Wait()
	return successes, conflicts
}

func TestCreateAppointment_ConcurrentSameRoomDifferentDoctors(t *testing.T) {
	cases := []struct {
		name  string
		setup func() (*clinictest.Store, redisclient.Locker)
	}{
		{
			name: "locker and index",
			setup: func() (*clinictest.Store, redisclient.Locker) {
				return clinictest.NewConcurrentStore(), redisclient.NewLocalLocker()
			},
		},
		{
			name: "locker only",
			setup: func() (*clinictest.Store, redisclient.Locker) {
				store := clinictest.NewConcurrentStore()
				store.DisableSlotIndex = true
				return store, redisclient.NewLocalLocker()
			},
		},
		{
			name: "index only",
			setup: func() (*clinictest.Store, redisclient.Locker) {
				return clinictest.NewConcurrentStore(), unlocked{}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, locker := tc.setup()
			f := newFixtureWith(t, store, locker)
			start := at(11, 10, 0)

			const n = 16
			successes, conflicts := raceForRoom(t, f, start, n)
			if successes != 1 || conflicts != n-1 {
				t.Fatalf("expected 1 success and %d conflicts, got %d and %d", n-1, successes, conflicts)
			}
			if got := f.store.ActiveInRoom(f.room, start); got != 1 {
				t.Fatalf("expected exactly one active booking in the room, got %d", got)
			}
		})
	}
}

func TestCreateAppointment_RoomSharedAcrossDoctors(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(11, 10, 0))

	other := f.dir.AddDoctor("90000")
	f.dir.Assign(other, f.patient)

	req := f.request(at(11, 10, 0))
	req.DoctorID = other
	_, err := f.svc.CreateAppointment(context.Background(), patientOf(f.patient), req)
	expectKind(t, err, apperrors.KindConflict)

	req.StartTime = at(11, 11, 0)
	if _, err := f.svc.CreateAppointment(context.Background(), patientOf(f.patient), req); err != nil {
		t.Fatalf("adjacent slot in the same room should book: %v", err)
	}
}

func TestCreateAppointment_CancelledSlotIsReusable(t *testing.T) {
	f := newFixture(t)
	f.plant(at(11, 10, 0), appointment.StatusCancelled)

	f.book(t, at(11, 10, 0))
}

func TestCreateStaffAppointment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateStaffAppointment(context.Background(), patientOf(f.patient), f.request(at(11, 10, 0)))
	expectKind(t, err, apperrors.KindForbidden)

	appt, err := f.svc.CreateStaffAppointment(context.Background(), staff, f.request(at(11, 10, 0)))
	if err != nil {
		t.Fatalf("staff booking: %v", err)
	}
	if appt.Status != appointment.StatusConfirmed || appt.ConfirmedAt == nil {
		t.Fatalf("staff bookings are confirmed on creation, got %s", appt.Status)
	}

	req := f.request(at(11, 11, 0))
	req.PatientID = uuid.New()
	_, err = f.svc.CreateStaffAppointment(context.Background(), staff, req)
	expectKind(t, err, apperrors.KindRelationship)
}

func TestConfirm(t *testing.T) {
	t.Run("paid", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, at(11, 10, 0))
		f.dir.SetPayment(appt.ID, directory.PaymentPaid, "150000")

		res, err := f.svc.Confirm(context.Background(), patientOf(f.patient), appt.ID)
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if res.Appointment.Status != appointment.StatusConfirmed || res.Appointment.ConfirmedAt == nil {
			t.Fatalf("expected confirmed, got %+v", res.Appointment)
		}
	})

	t.Run("unpaid", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, at(11, 10, 0))
		f.dir.SetPayment(appt.ID, directory.PaymentFailed, "")

		res, err := f.svc.Confirm(context.Background(), patientOf(f.patient), appt.ID)
		expectKind(t, err, apperrors.KindPolicy)
		if res == nil || res.PaymentStatus != directory.PaymentFailed {
			t.Fatalf("refusal must carry the payment status, got %+v", res)
		}
	})

	t.Run("ledger down", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, at(11, 10, 0))
		f.dir.PaymentErr = errors.New("timeout")

		_, err := f.svc.Confirm(context.Background(), patientOf(f.patient), appt.ID)
		expectKind(t, err, apperrors.KindUpstream)

		stored, _ := f.store.Appointment(appt.ID)
		if stored.Status != appointment.StatusPending {
			t.Fatalf("appointment must stay pending, got %s", stored.Status)
		}
	})

	t.Run("doctor cannot confirm", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, at(11, 10, 0))
		f.dir.SetPayment(appt.ID, directory.PaymentPaid, "150000")

		_, err := f.svc.Confirm(context.Background(), doctorOf(f.doctor), appt.ID)
		expectKind(t, err, apperrors.KindForbidden)
	})

	t.Run("terminal", func(t *testing.T) {
		f := newFixture(t)
		a := f.plant(at(11, 10, 0), appointment.StatusCancelled)
		f.dir.SetPayment(a.ID, directory.PaymentPaid, "150000")

		_, err := f.svc.Confirm(context.Background(), staff, a.ID)
		expectKind(t, err, apperrors.KindIllegalTransition)
	})
}

func TestRecordCompletion(t *testing.T) {
	f := newFixture(t)
	a := f.plant(at(10, 10, 0), appointment.StatusConfirmed)

	_, err := f.svc.RecordCompletion(context.Background(), doctorOf(f.doctor), a.ID)
	expectKind(t, err, apperrors.KindPolicy)

	f.clk.Set(at(10, 11, 0))

	_, err = f.svc.RecordCompletion(context.Background(), patientOf(f.patient), a.ID)
	expectKind(t, err, apperrors.KindForbidden)

	done, err := f.svc.RecordCompletion(context.Background(), doctorOf(f.doctor), a.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != appointment.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed, got %+v", done)
	}

	pending := f.plant(at(10, 9, 0), appointment.StatusPending)
	_, err = f.svc.RecordCompletion(context.Background(), staff, pending.ID)
	expectKind(t, err, apperrors.KindIllegalTransition)
}

func TestGet_Authorization(t *testing.T) {
	f := newFixture(t)
	a := f.plant(at(11, 10, 0), appointment.StatusPending)

	for _, p := range []auth.Principal{patientOf(f.patient), doctorOf(f.doctor), staff} {
		if _, err := f.svc.Get(context.Background(), p, a.ID); err != nil {
			t.Fatalf("%v should see the appointment: %v", p.Roles, err)
		}
	}

	_, err := f.svc.Get(context.Background(), patientOf(uuid.New()), a.ID)
	expectKind(t, err, apperrors.KindForbidden)

	_, err = f.svc.Get(context.Background(), staff, uuid.New())
	expectKind(t, err, apperrors.KindNotFound)
}

func TestSweepNoShows(t *testing.T) {
	f := newFixture(t)
	stale := f.plant(at(8, 10, 0), appointment.StatusConfirmed)
	recent := f.plant(at(10, 8, 0), appointment.StatusPending)
	done := f.plant(at(7, 10, 0), appointment.StatusCompleted)

	n, err := f.svc.SweepNoShows(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 no-show, got %d", n)
	}

	check := func(id uuid.UUID, want appointment.AppointmentStatus) {
		t.Helper()
		got, _ := f.store.Appointment(id)
		if got.Status != want {
			t.Errorf("appointment %s: expected %s, got %s", id, want, got.Status)
		}
	}
	check(stale.ID, appointment.StatusNoShow)
	check(recent.ID, appointment.StatusPending)
	check(done.ID, appointment.StatusCompleted)
}
