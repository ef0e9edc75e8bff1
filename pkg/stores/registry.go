package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// GetManifest returns a manifest and its index entry by exact reference.
func (s *SQLiteStore) GetManifest(ctx context.Context, ref string) (*engine.CartridgeManifest, *engine.RegistryEntry, error) {
	query := `
		SELECT m.manifest, r.ref, r.name, r.version, r.content_hash, r.status, r.inserted_at, r.retired_at, r.retired_reason
		FROM manifests m
		JOIN registry r ON r.ref = m.ref
		WHERE m.ref = ?
	`

	var record string
	entry, err := scanRegistryEntry(s.db.QueryRowContext(ctx, query, ref), &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", engine.ErrCartridgeNotFound, ref)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	manifest := &engine.CartridgeManifest{}
	if err := decodeJSON(record, manifest); err != nil {
		return nil, nil, err
	}

	return manifest, entry, nil
}

// GetManifestDocument returns the document a manifest was inserted from.
func (s *SQLiteStore) GetManifestDocument(ctx context.Context, ref string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT document FROM manifests WHERE ref = ?`, ref).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrCartridgeNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest document: %w", err)
	}
	return doc, nil
}

// ListRegistry returns the registry index ordered by name then insertion time.
func (s *SQLiteStore) ListRegistry(ctx context.Context) ([]*engine.RegistryEntry, error) {
	query := `
		SELECT r.ref, r.name, r.version, r.content_hash, r.status, r.inserted_at, r.retired_at, r.retired_reason
		FROM registry r
		ORDER BY r.name ASC, r.inserted_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list registry: %w", err)
	}
	defer rows.Close()

	entries := []*engine.RegistryEntry{}
	for rows.Next() {
		entry, err := scanRegistryEntry(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating registry: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRegistryEntry scans an index row; when record is non-nil the manifest
// JSON column is expected first.
func scanRegistryEntry(row rowScanner, record *string) (*engine.RegistryEntry, error) {
	entry := &engine.RegistryEntry{}
	var insertedAt string
	var retiredAt sql.NullString

	dest := []any{&entry.Ref, &entry.Name, &entry.Version, &entry.ContentHash, &entry.Status, &insertedAt, &retiredAt, &entry.RetiredReason}
	if record != nil {
		dest = append([]any{record}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if entry.InsertedAt, err = parseTime(insertedAt); err != nil {
		return nil, err
	}
	if entry.RetiredAt, err = parseNullTime(retiredAt); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetConfiguration returns the shared configuration sorted by key, each entry
// carrying its owners in insertion order.
func (s *SQLiteStore) GetConfiguration(ctx context.Context) ([]engine.ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, owner FROM configuration ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	defer rows.Close()

	entries := []engine.ConfigEntry{}
	index := map[string]int{}
	for rows.Next() {
		var e engine.ConfigEntry
		var value string
		if err := rows.Scan(&e.Key, &value, &e.Owner); err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		if err := decodeJSON(value, &e.Value); err != nil {
			return nil, err
		}
		index[e.Key] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configuration: %w", err)
	}

	owners, err := s.db.QueryContext(ctx, `SELECT key, ref FROM config_owners ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration owners: %w", err)
	}
	defer owners.Close()

	for owners.Next() {
		var key, ref string
		if err := owners.Scan(&key, &ref); err != nil {
			return nil, fmt.Errorf("failed to scan configuration owner: %w", err)
		}
		if i, ok := index[key]; ok {
			entries[i].Owners = append(entries[i].Owners, ref)
		}
	}
	if err := owners.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configuration owners: %w", err)
	}

	return entries, nil
}

// CommitInsertion archives the manifest, retires superseded entries with
// their keys, writes the new keys, and adds the index entry in one transaction.
func (s *SQLiteStore) CommitInsertion(ctx context.Context, commit *engine.InsertionCommit) error {
	m := commit.Manifest
	ref := m.Ref()
	at := formatTime(commit.At)

	record, err := encodeJSON(m)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO manifests (ref, name, version, content_hash, document, manifest, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ref, m.Name, m.Version, commit.ContentHash, commit.Document, record, at)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("failed to archive manifest %s: %w", ref, engine.ErrCartridgeExists)
			}
			return fmt.Errorf("failed to archive manifest: %w", err)
		}

		for _, old := range commit.Supersedes {
			if err := retire(ctx, tx, old, "superseded by "+ref, at); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO registry (ref, name, version, content_hash, status, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ref, m.Name, m.Version, commit.ContentHash, engine.RegistryStatusInserted, at)
		if err != nil {
			return fmt.Errorf("failed to update registry index: %w", err)
		}

		for _, e := range commit.Added {
			value, err := encodeJSON(e.Value)
			if err != nil {
				return err
			}
			owner := e.Owner
			if owner == "" {
				owner = ref
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO configuration (key, value, owner) VALUES (?, ?, ?)`, e.Key, value, owner); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("configuration key %s already present: %w", e.Key, err)
				}
				return fmt.Errorf("failed to write configuration key %s: %w", e.Key, err)
			}
			if err := addOwner(ctx, tx, e.Key, owner); err != nil {
				return err
			}
		}

		for _, key := range commit.Shared {
			if err := addOwner(ctx, tx, key, ref); err != nil {
				return err
			}
		}

		return nil
	})
}

func addOwner(ctx context.Context, tx *sql.Tx, key, ref string) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO config_owners (key, ref)
		SELECT key, ? FROM configuration WHERE key = ?
	`, ref, key)
	if err != nil {
		return fmt.Errorf("failed to record owner of %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("configuration key %s is not present", key)
	}
	return nil
}

// CommitRemoval strips a cartridge's keys and retires its index entry.
func (s *SQLiteStore) CommitRemoval(ctx context.Context, ref, reason string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := retire(ctx, tx, ref, reason, formatTime(at)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_pointer WHERE ref = ?`, ref); err != nil {
			return fmt.Errorf("failed to clear active pointer: %w", err)
		}
		return nil
	})
}

// retire drops ref's ownership. Keys it shared stay and pass to the next
// owner; keys nobody else declares are stripped.
func retire(ctx context.Context, tx *sql.Tx, ref, reason, at string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM config_owners WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("failed to release configuration of %s: %w", ref, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM configuration
		WHERE owner = ? AND NOT EXISTS (SELECT 1 FROM config_owners o WHERE o.key = configuration.key)
	`, ref); err != nil {
		return fmt.Errorf("failed to strip configuration of %s: %w", ref, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE configuration
		SET owner = (SELECT o.ref FROM config_owners o WHERE o.key = configuration.key ORDER BY o.id ASC LIMIT 1)
		WHERE owner = ?
	`, ref); err != nil {
		return fmt.Errorf("failed to reassign configuration of %s: %w", ref, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE registry SET status = ?, retired_at = ?, retired_reason = ?
		WHERE ref = ? AND status = ?
	`, engine.RegistryStatusRetired, at, reason, ref, engine.RegistryStatusInserted)
	if err != nil {
		return fmt.Errorf("failed to retire %s: %w", ref, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no inserted entry for %s", engine.ErrCartridgeNotFound, ref)
	}
	return nil
}

// SetActivePointer records the cartridge bound to the single active lease.
func (s *SQLiteStore) SetActivePointer(ctx context.Context, ref, leaseID string) error {
	if ref == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM active_pointer WHERE slot = 1`); err != nil {
			return fmt.Errorf("failed to clear active pointer: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO active_pointer (slot, ref, lease_id) VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET ref = excluded.ref, lease_id = excluded.lease_id
	`
	if _, err := s.db.ExecContext(ctx, query, ref, leaseID); err != nil {
		return fmt.Errorf("failed to set active pointer: %w", err)
	}
	return nil
}

// GetActivePointer returns the active cartridge and lease, or empty strings.
func (s *SQLiteStore) GetActivePointer(ctx context.Context) (string, string, error) {
	var ref, leaseID string
	err := s.db.QueryRowContext(ctx, `SELECT ref, lease_id FROM active_pointer WHERE slot = 1`).Scan(&ref, &leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get active pointer: %w", err)
	}
	return ref, leaseID, nil
}

// SaveCalibration records a calibration result.
func (s *SQLiteStore) SaveCalibration(ctx context.Context, result *engine.CalibrationResult) error {
	record, err := encodeJSON(result)
	if err != nil {
		return err
	}

	query := `INSERT INTO calibrations (cartridge, status, result, ran_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, result.Cartridge, result.Status, record, formatTime(result.RanAt)); err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}

// LatestCalibration returns the most recent result for ref, or nil.
func (s *SQLiteStore) LatestCalibration(ctx context.Context, ref string) (*engine.CalibrationResult, error) {
	query := `SELECT result FROM calibrations WHERE cartridge = ? ORDER BY ran_at DESC, id DESC LIMIT 1`

	var record string
	err := s.db.QueryRowContext(ctx, query, ref).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration: %w", err)
	}

	result := &engine.CalibrationResult{}
	if err := decodeJSON(record, result); err != nil {
		return nil, err
	}
	return result, nil
}
