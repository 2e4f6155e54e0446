// Package database holds the read-only relational collaborators the monitor
// polls: query activity for bulk-PII heuristics, agent license records, and
// data ages for retention compliance.
package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"realguard/internal/config"
)

// Connect opens the postgres connection pool.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize)
	sqlDB.SetMaxIdleConns(cfg.PoolSize / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// AgentLicense is one agent's real estate license record.
type AgentLicense struct {
	AgentID        string    `gorm:"column:agent_id"`
	LicenseNumber  string    `gorm:"column:license_number"`
	LicenseState   string    `gorm:"column:license_state"`
	ExpirationDate time.Time `gorm:"column:expiration_date"`
	Active         bool      `gorm:"column:active"`
}

// TableName maps AgentLicense to its table.
func (AgentLicense) TableName() string { return "agent_licenses" }

// QueryActivity is one recent database query observed via pg_stat_activity.
type QueryActivity struct {
	Query      string    `gorm:"column:query"`
	UserName   string    `gorm:"column:user_name"`
	ClientAddr string    `gorm:"column:client_addr"`
	QueryStart time.Time `gorm:"column:query_start"`
}

// PersonalDataAge summarizes how many personal-data records in a table are
// older than the retention horizon.
type PersonalDataAge struct {
	TableName   string    `gorm:"column:table_name"`
	RecordCount int64     `gorm:"column:record_count"`
	OldestAt    time.Time `gorm:"column:oldest_at"`
}

// ComplianceRepository is the read contract for the monitor's periodic
// compliance and bulk-PII checks.
type ComplianceRepository interface {
	// RecentQueryActivity returns recent queries touching PII-adjacent tables.
	RecentQueryActivity(ctx context.Context, limit int) ([]QueryActivity, error)

	// ExpiredActiveLicenses returns licenses past expiration but still active.
	ExpiredActiveLicenses(ctx context.Context) ([]AgentLicense, error)

	// ExpiredPersonalData returns per-table counts of personal data older
	// than cutoff.
	ExpiredPersonalData(ctx context.Context, cutoff time.Time) ([]PersonalDataAge, error)
}

// GormRepository implements ComplianceRepository on postgres.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps a gorm connection.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) RecentQueryActivity(ctx context.Context, limit int) ([]QueryActivity, error) {
	var activity []QueryActivity
	err := r.db.WithContext(ctx).Raw(`
		SELECT query, usename AS user_name, client_addr::text AS client_addr, query_start
		FROM pg_stat_activity
		WHERE query ILIKE '%contact%'
		   OR query ILIKE '%lead%'
		   OR query ILIKE '%personal%'
		ORDER BY query_start DESC
		LIMIT ?`, limit).Scan(&activity).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent activity: %w", err)
	}
	return activity, nil
}

func (r *GormRepository) ExpiredActiveLicenses(ctx context.Context) ([]AgentLicense, error) {
	var licenses []AgentLicense
	err := r.db.WithContext(ctx).
		Where("expiration_date < ? AND active = ?", time.Now(), true).
		Find(&licenses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired licenses: %w", err)
	}
	return licenses, nil
}

func (r *GormRepository) ExpiredPersonalData(ctx context.Context, cutoff time.Time) ([]PersonalDataAge, error) {
	var ages []PersonalDataAge
	err := r.db.WithContext(ctx).Raw(`
		SELECT source AS table_name, COUNT(*) AS record_count, MIN(created_at) AS oldest_at
		FROM (
			SELECT 'contacts' AS source, created_at FROM contacts
			UNION ALL
			SELECT 'leads' AS source, created_at FROM leads
			UNION ALL
			SELECT 'personal_data' AS source, created_at FROM personal_data
		) personal
		WHERE created_at < ?
		GROUP BY source`, cutoff).Scan(&ages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired personal data: %w", err)
	}
	return ages, nil
}
