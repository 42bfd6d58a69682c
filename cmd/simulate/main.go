package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking-engine/internal/config"
	"github.com/hackgods/clinic-booking-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	CancelRatio  float64
	PatientLimit int
	SlotLimit    int
	PostgresDSN  string
}

type DataPool struct {
	Patients []patientRef
	Slots    []slotRef
	mu       sync.RWMutex
	booked   []bookedRef
}

type patientRef struct {
	ID   uuid.UUID
	Name string
}

type slotRef struct {
	ID         uuid.UUID
	ScheduleID uuid.UUID
	DoctorID   uuid.UUID
}

type bookedRef struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
}

func (dp *DataPool) AddBooked(ref bookedRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.booked = append(dp.booked, ref)
}

func (dp *DataPool) TakeBooked() (bookedRef, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.booked) == 0 {
		return bookedRef{}, false
	}
	idx := rand.Intn(len(dp.booked))
	ref := dp.booked[idx]
	dp.booked = append(dp.booked[:idx], dp.booked[idx+1:]...)
	return ref, true
}

type counters struct {
	bookings  atomic.Int64
	conflicts atomic.Int64
	cancels   atomic.Int64
	failures  atomic.Int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	sim := SimConfig{
		APIBaseURL:   getEnv("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:     getDurationEnv("SIM_DURATION", 30*time.Second),
		Workers:      getIntEnv("SIM_WORKERS", 16),
		CancelRatio:  0.3,
		PatientLimit: getIntEnv("SIM_PATIENTS", 500),
		SlotLimit:    getIntEnv("SIM_SLOTS", 50),
		PostgresDSN:  cfg.PostgresDSN,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, sim.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}

	dp, err := loadDataPool(context.Background(), pool, sim)
	pool.Close()
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d patients and %d slots", len(dp.Patients), len(dp.Slots))

	var stats counters
	runCtx, stop := context.WithTimeout(context.Background(), sim.Duration)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < sim.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(runCtx, sim, dp, &stats)
		}()
	}
	wg.Wait()

	log.Printf("simulation complete: bookings=%d conflicts=%d cancels=%d failures=%d",
		stats.bookings.Load(), stats.conflicts.Load(), stats.cancels.Load(), stats.failures.Load())
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, sim SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id, name FROM patients LIMIT $1`, sim.PatientLimit)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p patientRef
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Patients = append(dp.Patients, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pool.Query(ctx, `
		SELECT s.id, s.schedule_id, sc.doctor_id
		FROM time_slots s
		JOIN schedules sc ON sc.id = s.schedule_id
		WHERE s.is_active AND s.available_units > 0 AND s.start_time > now()
		LIMIT $1
	`, sim.SlotLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.ScheduleID, &s.DoctorID); err != nil {
			return nil, err
		}
		dp.Slots = append(dp.Slots, s)
	}
	return dp, rows.Err()
}

func worker(ctx context.Context, sim SimConfig, dp *DataPool, stats *counters) {
	client := &http.Client{Timeout: 10 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rand.Float64() < sim.CancelRatio {
			if ref, ok := dp.TakeBooked(); ok {
				doCancel(ctx, client, sim, ref, stats)
				continue
			}
		}
		doBook(ctx, client, sim, dp, stats)
	}
}

func doBook(ctx context.Context, client *http.Client, sim SimConfig, dp *DataPool, stats *counters) {
	patient := dp.Patients[rand.Intn(len(dp.Patients))]
	slot := dp.Slots[rand.Intn(len(dp.Slots))]

	body, _ := json.Marshal(map[string]string{
		"patient_id":  patient.ID.String(),
		"doctor_id":   slot.DoctorID.String(),
		"schedule_id": slot.ScheduleID.String(),
		"slot_id":     slot.ID.String(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sim.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stats.failures.Add(1)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		stats.bookings.Add(1)
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err == nil {
			dp.AddBooked(bookedRef{
				AppointmentID: created.ID,
				PatientID:     patient.ID,
				PatientName:   patient.Name,
			})
		}
	case http.StatusConflict:
		stats.conflicts.Add(1)
		io.Copy(io.Discard, resp.Body)
	default:
		stats.failures.Add(1)
		io.Copy(io.Discard, resp.Body)
	}
}

func doCancel(ctx context.Context, client *http.Client, sim SimConfig, ref bookedRef, stats *counters) {
	body, _ := json.Marshal(map[string]string{"target_status": "cancelled"})

	url := fmt.Sprintf("%s/appointments/%s/status", sim.APIBaseURL, ref.AppointmentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", ref.PatientID.String())
	req.Header.Set("X-Actor-Role", "PATIENT")
	req.Header.Set("X-Actor-Name", ref.PatientName)

	resp, err := client.Do(req)
	if err != nil {
		stats.failures.Add(1)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		stats.cancels.Add(1)
	} else {
		stats.failures.Add(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
