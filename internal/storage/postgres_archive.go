package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
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

func (p *PostgresArchive) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_id, driver_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, tier, status, estimated_km, estimated_fare, requested_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon, string(r.Tier), string(r.Status), r.EstimatedKm, r.EstimatedFare, r.RequestedAt, time.Now())
	return err
}

func (p *PostgresArchive) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET status=$1, actual_km=$2, actual_fare=$3, payment_failed=$4, updated_at=$5 WHERE id=$6`,
		string(r.Status), r.ActualKm, r.ActualFare, r.PaymentFailed, time.Now(), r.ID)
	return err
}
