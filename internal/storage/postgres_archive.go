package storage

import (
	"database/sql"

	_ "github.com/lib/pq"
)

type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

func (p *PostgresArchive) SaveRide(r *ArchivedRide) error {
	_, err := p.db.Exec(`INSERT INTO ride_archive(ride_id, user_id, driver_id, status, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, distance_km, charge, booked_at, ended_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (ride_id) DO UPDATE SET status=EXCLUDED.status, charge=EXCLUDED.charge, ended_at=EXCLUDED.ended_at`,
		r.RideID, r.UserID, r.DriverID, string(r.Status),
		r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.DistanceKm, r.Charge, r.BookedAt, r.EndedAt)
	return err
}

func (p *PostgresArchive) Close() error { return p.db.Close() }
