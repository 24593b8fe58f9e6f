package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-presence/internal/config"
	"wisefido-presence/internal/inventory"
	"wisefido-presence/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS presence_devices (
	identifier      VARCHAR(64) PRIMARY KEY,
	identifier_type VARCHAR(8)  NOT NULL DEFAULT 'mac',
	alias           VARCHAR(255) NOT NULL DEFAULT '',
	device_type     VARCHAR(64)  NOT NULL DEFAULT '',
	aliases         TEXT[]       NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS presence_satellites (
	satellite_id VARCHAR(128) PRIMARY KEY,
	room         VARCHAR(255),
	ref_rssi_1m  DOUBLE PRECISION,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS presence_settings (
	key   VARCHAR(64) PRIMARY KEY,
	value TEXT NOT NULL
);`

// InventoryRepository 设备/卫星/参数配置仓库（Postgres）
type InventoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInventoryRepository 创建配置仓库
func NewInventoryRepository(db *sql.DB, logger *zap.Logger) *InventoryRepository {
	return &InventoryRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（已存在时跳过）
func (r *InventoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure presence schema: %w", err)
	}
	return nil
}

// Load 读取完整配置（实现 inventory.Source）
func (r *InventoryRepository) Load(ctx context.Context) (*inventory.Document, error) {
	devices, err := r.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	satellites, err := r.ListSatellites(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := r.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	tunables, err := inventory.ApplySettings(config.DefaultTunables(), settings)
	if err != nil {
		return nil, err
	}

	return &inventory.Document{
		Devices:    devices,
		Satellites: satellites,
		Tunables:   tunables,
	}, nil
}

// ListDevices 查询已登记设备
func (r *InventoryRepository) ListDevices(ctx context.Context) ([]models.DeviceIdentity, error) {
	query := `
		SELECT identifier, identifier_type, alias, device_type, aliases
		FROM presence_devices
		ORDER BY identifier
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceIdentity
	for rows.Next() {
		var d models.DeviceIdentity
		var kind string
		var aliases pq.StringArray
		if err := rows.Scan(&d.Key, &kind, &d.Alias, &d.Type, &aliases); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Kind = models.IdentityKind(kind)
		d.Aliases = []string(aliases)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

// ListSatellites 查询卫星及其房间、校准值
func (r *InventoryRepository) ListSatellites(ctx context.Context) ([]models.Satellite, error) {
	query := `
		SELECT satellite_id, room, ref_rssi_1m
		FROM presence_satellites
		ORDER BY satellite_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query satellites: %w", err)
	}
	defer rows.Close()

	var satellites []models.Satellite
	for rows.Next() {
		var s models.Satellite
		var room sql.NullString
		var ref sql.NullFloat64
		if err := rows.Scan(&s.ID, &room, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan satellite: %w", err)
		}
		if room.Valid {
			s.Room = room.String
		}
		if ref.Valid {
			v := ref.Float64
			s.ReferenceRSSI = &v
		}
		satellites = append(satellites, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate satellites: %w", err)
	}
	return satellites, nil
}

// ListSettings 查询调优参数覆盖值
func (r *InventoryRepository) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM presence_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return settings, nil
}

// UpdateCalibration 写入卫星校准参考值
func (r *InventoryRepository) UpdateCalibration(ctx context.Context, satelliteID string, referenceRSSI float64) error {
	query := `
		UPDATE presence_satellites
		SET ref_rssi_1m = $2, updated_at = NOW()
		WHERE satellite_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, satelliteID, referenceRSSI)
	if err != nil {
		return fmt.Errorf("failed to update calibration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("satellite not found: %s", satelliteID)
	}

	r.logger.Info("Calibration persisted",
		zap.String("satellite_id", satelliteID),
		zap.Float64("ref_rssi_1m", referenceRSSI),
	)
	return nil
}

// RegisterSatellite 登记新卫星（未分配房间），已存在时不做修改
func (r *InventoryRepository) RegisterSatellite(ctx context.Context, satelliteID string) error {
	query := `
		INSERT INTO presence_satellites (satellite_id)
		VALUES ($1)
		ON CONFLICT (satellite_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, satelliteID)
	if err != nil {
		return fmt.Errorf("failed to register satellite: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		r.logger.Info("Registered new satellite as unassigned", zap.String("satellite_id", satelliteID))
	}
	return nil
}
