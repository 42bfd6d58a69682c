package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := ensureSchema(context.Background(), pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	doctorIDs, err := seedDoctors(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed doctors: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 5000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedSchedules(context.Background(), pool, doctorIDs, 14); err != nil {
		log.Fatalf("seed schedules: %v", err)
	}

	log.Println("seed complete")
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			trust_score INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS doctors (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			specialty TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id UUID PRIMARY KEY,
			doctor_id UUID NOT NULL REFERENCES doctors(id),
			room_id UUID NOT NULL,
			date DATE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS time_slots (
			id UUID PRIMARY KEY,
			schedule_id UUID NOT NULL REFERENCES schedules(id),
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			total_capacity INTEGER NOT NULL,
			available_units INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (available_units >= 0 AND available_units <= total_capacity)
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id UUID PRIMARY KEY,
			patient_id UUID NOT NULL REFERENCES patients(id),
			doctor_id UUID NOT NULL REFERENCES doctors(id),
			room_id UUID NOT NULL,
			schedule_id UUID NOT NULL REFERENCES schedules(id),
			slot_id UUID NOT NULL REFERENCES time_slots(id),
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status_changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS appointment_history (
			id BIGSERIAL PRIMARY KEY,
			appointment_id UUID NOT NULL REFERENCES appointments(id),
			operator_name TEXT NOT NULL,
			operator_id UUID,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			operated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments (slot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_doctor ON appointments (doctor_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_history_appointment ON appointment_history (appointment_id, operated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, trust_score, created_at, updated_at)
				VALUES ($1, $2, $3, 0, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}

// seedSchedules gives every doctor one schedule per day with hourly slots.
func seedSchedules(ctx context.Context, pool *pgxpool.Pool, doctorIDs []uuid.UUID, days int) error {
	log.Printf("seeding schedules for %d doctors over %d days", len(doctorIDs), days)

	today := time.Now().Truncate(24 * time.Hour)

	for _, doctorID := range doctorIDs {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		roomID := uuid.New()
		for day := 0; day < days; day++ {
			date := today.AddDate(0, 0, day)
			scheduleID := uuid.New()

			_, err := tx.Exec(ctx, `
				INSERT INTO schedules (id, doctor_id, room_id, date, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, scheduleID, doctorID, roomID, date)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			for hour := 9; hour < 17; hour++ {
				capacity := gofakeit.Number(1, 4)
				start := date.Add(time.Duration(hour) * time.Hour)

				_, err := tx.Exec(ctx, `
					INSERT INTO time_slots (id, schedule_id, start_time, end_time, total_capacity, available_units, is_active, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $5, true, now(), now())
				`, uuid.New(), scheduleID, start, start.Add(time.Hour), capacity)
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Println("schedules seeded")
	return nil
}
