// Package regionstore persists the offline region catalog in SQLite.
package regionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/jobrunner/offgrid/internal/domain"
)

// Store implements output.RegionRepository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and migrates it.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &domain.StorageError{Operation: "mkdir", Key: filepath.Dir(path), Err: err}
		}
		dsn = "file:" + path
	}
	dsn += "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	// One connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if err := migrateDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert stores the region metadata and replaces both packs.
func (s *Store) Upsert(ctx context.Context, region *domain.OfflineRegion) error {
	if region == nil || region.ID() == "" {
		return fmt.Errorf("upsert region: %w", domain.ErrInvalidInput)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		g := region.Geography()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO regions (id, revision, name, description, last_updated, min_lon, min_lat, max_lon, max_lat)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				revision = excluded.revision,
				name = excluded.name,
				description = excluded.description,
				last_updated = excluded.last_updated,
				min_lon = excluded.min_lon,
				min_lat = excluded.min_lat,
				max_lon = excluded.max_lon,
				max_lat = excluded.max_lat`,
			region.ID(), region.Revision(), region.Name(), region.Description(),
			formatTime(region.LastUpdated()),
			g.MinLon(), g.MinLat(), g.MaxLon(), g.MaxLat(),
		)
		if err != nil {
			return fmt.Errorf("upsert region %s: %w", region.ID(), err)
		}

		for _, d := range []domain.OfflineRegionDomain{domain.DomainMaps, domain.DomainNavigation} {
			if err := savePack(ctx, tx, region.ID(), d, region.Pack(d)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the region with the given id.
func (s *Store) Get(ctx context.Context, id string) (*domain.OfflineRegion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, revision, name, description, last_updated, min_lon, min_lat, max_lon, max_lat
		FROM regions WHERE id = ?`, id)

	meta, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrRegionNotFound)
	}
	if err != nil {
		return nil, err
	}

	packs, err := s.loadPacks(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.NewOfflineRegion(meta, packs[domain.DomainMaps], packs[domain.DomainNavigation]), nil
}

// List returns all regions ordered by id.
func (s *Store) List(ctx context.Context) ([]*domain.OfflineRegion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision, name, description, last_updated, min_lon, min_lat, max_lon, max_lat
		FROM regions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}

	var metas []domain.RegionMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list regions: %w", err)
	}
	_ = rows.Close()

	regions := make([]*domain.OfflineRegion, 0, len(metas))
	for _, meta := range metas {
		packs, err := s.loadPacks(ctx, meta.ID)
		if err != nil {
			return nil, err
		}
		regions = append(regions, domain.NewOfflineRegion(meta, packs[domain.DomainMaps], packs[domain.DomainNavigation]))
	}
	return regions, nil
}

// Delete removes a region and its packs. A missing region is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM region_packs WHERE region_id = ?`, id); err != nil {
			return fmt.Errorf("delete packs of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM regions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete region %s: %w", id, err)
		}
		return nil
	})
}

// SavePack replaces one pack of a region. A nil pack removes it.
func (s *Store) SavePack(ctx context.Context, id string, d domain.OfflineRegionDomain, pack *domain.OfflineRegionPack) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM regions WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", id, domain.ErrRegionNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup region %s: %w", id, err)
		}
		return savePack(ctx, tx, id, d, pack)
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func savePack(ctx context.Context, tx *sql.Tx, id string, d domain.OfflineRegionDomain, pack *domain.OfflineRegionPack) error {
	if pack == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM region_packs WHERE region_id = ? AND domain = ?`, id, string(d)); err != nil {
			return fmt.Errorf("delete %s pack of %s: %w", d, id, err)
		}
		return nil
	}

	status := pack.Status
	if status == nil {
		status = domain.StatusPending{}
	}
	var errKind, errMessage sql.NullString
	if pack.Error != nil {
		errKind = sql.NullString{String: string(pack.Error.Kind), Valid: true}
		errMessage = sql.NullString{String: pack.Error.Message, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO region_packs (region_id, domain, path, bytes, total_bytes, url, format, data_version, error_kind, error_message, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region_id, domain) DO UPDATE SET
			path = excluded.path,
			bytes = excluded.bytes,
			total_bytes = excluded.total_bytes,
			url = excluded.url,
			format = excluded.format,
			data_version = excluded.data_version,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			status = excluded.status`,
		id, string(d), pack.Path, int64(pack.Bytes),
		nullUint64(pack.TotalBytes), nullString(pack.URL), nullUint32(pack.Format), nullString(pack.DataVersion),
		errKind, errMessage, status.String(),
	)
	if err != nil {
		return fmt.Errorf("save %s pack of %s: %w", d, id, err)
	}
	return nil
}

func (s *Store) loadPacks(ctx context.Context, id string) (map[domain.OfflineRegionDomain]*domain.OfflineRegionPack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, path, bytes, total_bytes, url, format, data_version, error_kind, error_message, status
		FROM region_packs WHERE region_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load packs of %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	packs := make(map[domain.OfflineRegionDomain]*domain.OfflineRegionPack, 2)
	for rows.Next() {
		var (
			domainName, path, status string
			bytes                    int64
			totalBytes, format       sql.NullInt64
			url, dataVersion         sql.NullString
			errKind, errMessage      sql.NullString
		)
		if err := rows.Scan(&domainName, &path, &bytes, &totalBytes, &url, &format, &dataVersion, &errKind, &errMessage, &status); err != nil {
			return nil, fmt.Errorf("scan pack of %s: %w", id, err)
		}

		d, err := domain.ParseRegionDomain(domainName)
		if err != nil {
			return nil, err
		}
		parsed, err := domain.ParseStatus(status)
		if err != nil {
			return nil, err
		}

		pack := &domain.OfflineRegionPack{
			Path:   path,
			Bytes:  uint64(bytes),
			Status: parsed,
		}
		if totalBytes.Valid {
			v := uint64(totalBytes.Int64)
			pack.TotalBytes = &v
		}
		if format.Valid {
			v := uint32(format.Int64)
			pack.Format = &v
		}
		if url.Valid {
			pack.URL = &url.String
		}
		if dataVersion.Valid {
			pack.DataVersion = &dataVersion.String
		}
		if errKind.Valid {
			pack.Error = &domain.OfflineRegionError{
				Kind:    domain.OfflineRegionErrorKind(errKind.String),
				Message: errMessage.String,
			}
		}
		packs[d] = pack
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load packs of %s: %w", id, err)
	}
	return packs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (domain.RegionMetadata, error) {
	var (
		meta                           domain.RegionMetadata
		lastUpdated                    string
		minLon, minLat, maxLon, maxLat float64
	)
	if err := row.Scan(&meta.ID, &meta.Revision, &meta.Name, &meta.Description, &lastUpdated, &minLon, &minLat, &maxLon, &maxLat); err != nil {
		return meta, err
	}

	t, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return meta, fmt.Errorf("region %s: parsing last_updated: %w", meta.ID, err)
	}
	meta.LastUpdated = t
	meta.Geography = domain.NewGeoRectangle(
		domain.NewCoordinate(minLon, maxLat),
		domain.NewCoordinate(maxLon, minLat),
	)
	return meta, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullUint32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
