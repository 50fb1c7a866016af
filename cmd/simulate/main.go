package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduling-core/internal/auth"
	"github.com/clinicflow/scheduling-core/internal/clock"
	"github.com/clinicflow/scheduling-core/internal/config"
	"github.com/clinicflow/scheduling-core/internal/db"
	"github.com/clinicflow/scheduling-core/internal/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Slots       int // distinct slots to fight over
	Contenders  int // concurrent bookings per slot
	DaysAhead   int
	VirtualOnly bool
}

// Fixture is one doctor, the patients assigned to them and a room they can use.
type Fixture struct {
	DoctorID uuid.UUID
	RoomID   *uuid.UUID
	Patients []uuid.UUID
	Tokens   map[uuid.UUID]string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status == http.StatusCreated:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Simulator struct {
	config  SimConfig
	window  clock.Window
	fixture *Fixture
	client  *http.Client
	logger  zerolog.Logger
	metrics OperationMetrics

	mu      sync.Mutex
	winners map[time.Time]int
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("prod", "simulate")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.Env, "simulate")

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Slots:       getInt("SIM_SLOTS", 8),
		Contenders:  getInt("SIM_CONTENDERS", 20),
		DaysAhead:   getInt("SIM_DAYS_AHEAD", 3),
		VirtualOnly: os.Getenv("SIM_VIRTUAL_ONLY") == "true",
	}
	if cfg.Slots <= 0 || cfg.Contenders <= 0 {
		logger.Fatal().Msg("SIM_SLOTS and SIM_CONTENDERS must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	fixture, err := loadFixture(ctx, pool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load fixture")
	}

	fixture.Tokens = make(map[uuid.UUID]string, len(fixture.Patients))
	for _, p := range fixture.Patients {
		tok, err := auth.Issue(baseCfg.JWTSecret, baseCfg.JWTIssuer,
			auth.Principal{UserID: p, Roles: []auth.Role{auth.RolePatient}}, time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		fixture.Tokens[p] = tok
	}

	logger.Info().
		Str("doctor_id", fixture.DoctorID.String()).
		Int("patients", len(fixture.Patients)).
		Int("slots", cfg.Slots).
		Int("contenders", cfg.Contenders).
		Msg("fixture loaded")

	sim := &Simulator{
		config:  cfg,
		window:  baseCfg.Window,
		fixture: fixture,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		winners: make(map[time.Time]int),
	}

	sim.Run(context.Background())
	if !sim.PrintReport() {
		os.Exit(1)
	}
}

func loadFixture(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*Fixture, error) {
	f := &Fixture{}

	err := pool.QueryRow(ctx, `
		SELECT a.doctor_id
		FROM doctor_patient_assignments a
		JOIN doctors d ON d.id = a.doctor_id
		WHERE a.active AND d.is_active
		GROUP BY a.doctor_id
		ORDER BY count(*) DESC
		LIMIT 1
	`).Scan(&f.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("pick doctor (run cmd/seed first): %w", err)
	}

	rows, err := pool.Query(ctx, `
		SELECT patient_id FROM doctor_patient_assignments
		WHERE doctor_id = $1 AND active
		LIMIT $2
	`, f.DoctorID, cfg.Contenders)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	f.Patients, err = pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	if len(f.Patients) < 2 {
		return nil, fmt.Errorf("doctor %s has fewer than two assigned patients", f.DoctorID)
	}

	if cfg.VirtualOnly {
		return f, nil
	}

	var room uuid.UUID
	err = pool.QueryRow(ctx, `
		SELECT id FROM rooms WHERE is_active AND type <> 'virtual' ORDER BY name LIMIT 1
	`).Scan(&room)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("pick room: %w", err)
	default:
		f.RoomID = &room
	}
	return f, nil
}

// targetSlots returns the first cfg.Slots slot starts inside working hours, starting
// DaysAhead days from now so cancellations and availability stay meaningful.
func (s *Simulator) targetSlots() []time.Time {
	day := time.Now().AddDate(0, 0, s.config.DaysAhead)
	var out []time.Time
	for len(out) < s.config.Slots {
		for _, st := range s.window.SlotStarts(day) {
			out = append(out, st)
			if len(out) == s.config.Slots {
				break
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func (s *Simulator) Run(ctx context.Context) {
	slots := s.targetSlots()
	s.logger.Info().Int("slots", len(slots)).Msg("starting contended booking run")

	var wg sync.WaitGroup
	for _, slot := range slots {
		slot := slot
		start := make(chan struct{})
		for i := 0; i < s.config.Contenders; i++ {
			patient := s.fixture.Patients[i%len(s.fixture.Patients)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s.book(ctx, slot, patient)
			}()
		}
		close(start)
	}
	wg.Wait()

	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) book(ctx context.Context, slot time.Time, patient uuid.UUID) {
	body := map[string]any{
		"doctor_id":  s.fixture.DoctorID.String(),
		"patient_id": patient.String(),
		"start_time": slot.Format(time.RFC3339),
		"is_virtual": s.fixture.RoomID == nil,
	}
	if s.fixture.RoomID != nil {
		body["room_id"] = s.fixture.RoomID.String()
	}
	raw, _ := json.Marshal(body)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.fixture.Tokens[patient])

	started := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(started)
	if err != nil {
		s.logger.Debug().Err(err).Msg("booking request failed")
		s.metrics.Record(latency, 0)
		return
	}
	defer resp.Body.Close()

	s.metrics.Record(latency, resp.StatusCode)
	if resp.StatusCode == http.StatusCreated {
		s.mu.Lock()
		s.winners[slot]++
		s.mu.Unlock()
	}
}

// PrintReport prints the run summary and reports whether every slot was booked at most once.
func (s *Simulator) PrintReport() bool {
	om := &s.metrics
	total := atomic.LoadInt64(&om.Total)
	avg, p50, p95, max := om.Stats()

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("CONTENDED BOOKING REPORT")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Slots: %d  Contenders per slot: %d  Requests: %d\n", s.config.Slots, s.config.Contenders, total)
	fmt.Printf("Created: %d  Conflicts: %d  Errors: %d\n",
		atomic.LoadInt64(&om.Success), atomic.LoadInt64(&om.Conflict), atomic.LoadInt64(&om.Error))
	fmt.Printf("Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))

	ok := true
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot, n := range s.winners {
		if n > 1 {
			ok = false
			fmt.Printf("DOUBLE BOOKING: slot %s accepted %d bookings\n", slot.Format(time.RFC3339), n)
		}
	}
	if ok {
		fmt.Println("No slot was booked more than once.")
	}
	return ok
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
