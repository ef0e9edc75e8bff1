package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/leasehold/pkg/engine"
)

// AppendBead appends a bead. The sequence check and the insert share one
// transaction, so the stream never forks.
func (s *SQLiteStore) AppendBead(ctx context.Context, bead *engine.Bead) error {
	payload, err := encodeJSON(bead.Payload)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var head sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM beads`).Scan(&head); err != nil {
			return fmt.Errorf("failed to read bead head: %w", err)
		}
		if bead.Seq != head.Int64+1 {
			return fmt.Errorf("%w: seq %d after head %d", engine.ErrBeadSequence, bead.Seq, head.Int64)
		}

		query := `
			INSERT INTO beads (seq, id, type, timestamp, lease_id, cartridge, actor, payload, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			bead.Seq,
			bead.ID,
			bead.Type,
			formatTime(bead.Timestamp),
			bead.LeaseID,
			bead.Cartridge,
			bead.Actor,
			payload,
			bead.PrevHash,
			bead.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to append bead: %w", err)
		}
		return nil
	})
}

const beadColumns = `seq, id, type, timestamp, lease_id, cartridge, actor, payload, prev_hash, hash`

func scanBead(row rowScanner) (*engine.Bead, error) {
	b := &engine.Bead{}
	var ts string
	var payload sql.NullString
	if err := row.Scan(&b.Seq, &b.ID, &b.Type, &ts, &b.LeaseID, &b.Cartridge, &b.Actor, &payload, &b.PrevHash, &b.Hash); err != nil {
		return nil, err
	}

	var err error
	if b.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := decodeJSON(payload.String, &b.Payload); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ListBeads lists beads in sequence order. A limit keeps the most recent beads.
func (s *SQLiteStore) ListBeads(ctx context.Context, filter engine.BeadFilter) ([]*engine.Bead, error) {
	query := `SELECT ` + beadColumns + ` FROM beads WHERE 1 = 1`
	var args []any

	if filter.LeaseID != "" {
		query += ` AND lease_id = ?`
		args = append(args, filter.LeaseID)
	}
	if filter.Cartridge != "" {
		query += ` AND cartridge = ?`
		args = append(args, filter.Cartridge)
	}
	if len(filter.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}

	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list beads: %w", err)
	}
	defer rows.Close()

	beads := []*engine.Bead{}
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bead: %w", err)
		}
		beads = append(beads, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating beads: %w", err)
	}

	return beads, nil
}

// LastBead returns the head of the stream, or nil when empty.
func (s *SQLiteStore) LastBead(ctx context.Context) (*engine.Bead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+beadColumns+` FROM beads ORDER BY seq DESC LIMIT 1`)
	b, err := scanBead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last bead: %w", err)
	}
	return b, nil
}

// GetBead returns one bead by id.
func (s *SQLiteStore) GetBead(ctx context.Context, id string) (*engine.Bead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+beadColumns+` FROM beads WHERE id = ?`, id)
	b, err := scanBead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bead not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bead: %w", err)
	}
	return b, nil
}

// CreateCeremony persists a new ceremony.
func (s *SQLiteStore) CreateCeremony(ctx context.Context, c *engine.Ceremony) error {
	record, err := encodeJSON(c)
	if err != nil {
		return err
	}

	query := `INSERT INTO ceremonies (id, lease_id, phase, opened_at, record) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.LeaseID, c.Phase, formatTime(c.OpenedAt), record); err != nil {
		return fmt.Errorf("failed to create ceremony: %w", err)
	}
	return nil
}

// GetCeremony retrieves a ceremony by ID.
func (s *SQLiteStore) GetCeremony(ctx context.Context, id string) (*engine.Ceremony, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM ceremonies WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrCeremonyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ceremony: %w", err)
	}

	c := &engine.Ceremony{}
	if err := decodeJSON(record, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateCeremony replaces a ceremony record.
func (s *SQLiteStore) UpdateCeremony(ctx context.Context, c *engine.Ceremony) error {
	record, err := encodeJSON(c)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE ceremonies SET phase = ?, record = ? WHERE id = ?`, c.Phase, record, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update ceremony: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrCeremonyNotFound, c.ID)
	}
	return nil
}

// ListCeremonies lists ceremonies, optionally for one lease, oldest first.
func (s *SQLiteStore) ListCeremonies(ctx context.Context, leaseID string) ([]*engine.Ceremony, error) {
	query := `SELECT record FROM ceremonies`
	var args []any
	if leaseID != "" {
		query += ` WHERE lease_id = ?`
		args = append(args, leaseID)
	}
	query += ` ORDER BY opened_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ceremonies: %w", err)
	}
	defer rows.Close()

	ceremonies := []*engine.Ceremony{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan ceremony: %w", err)
		}
		c := &engine.Ceremony{}
		if err := decodeJSON(record, c); err != nil {
			return nil, err
		}
		ceremonies = append(ceremonies, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ceremonies: %w", err)
	}

	return ceremonies, nil
}
