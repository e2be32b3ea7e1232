package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ark-network/escrowd/internal/core/domain"
)

const (
	upsertTransfer = `
INSERT INTO transfer (id, direction, state, locked, announced, escrow_output_id, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    state = excluded.state,
    locked = excluded.locked,
    announced = excluded.announced,
    escrow_output_id = excluded.escrow_output_id,
    payload = excluded.payload,
    updated_at = excluded.updated_at`
	selectTransfer     = `SELECT payload FROM transfer WHERE id = ?`
	selectAllTransfers = `SELECT payload FROM transfer ORDER BY created_at`
	deleteTransfer     = `DELETE FROM transfer WHERE id = ?`
)

type transferRepository struct {
	db *sql.DB
}

func NewTransferRepository(config ...interface{}) (domain.TransferRepository, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	db, ok := config[0].(*sql.DB)
	if !ok {
		return nil, fmt.Errorf("cannot open transfer repository: invalid config, expected db at 0")
	}

	return &transferRepository{db}, nil
}

func (r *transferRepository) Upsert(ctx context.Context, record domain.TransferRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize transfer: %w", err)
	}

	var escrowOutputId sql.NullString
	if record.Escrow != nil {
		escrowOutputId = sql.NullString{String: record.Escrow.OutputId, Valid: true}
	}

	if _, err := r.db.ExecContext(
		ctx, upsertTransfer,
		record.Id, string(record.Direction), int(record.State), record.Locked, record.Announced,
		escrowOutputId, payload, record.CreatedAt, record.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert transfer: %w", err)
	}
	return nil
}

func (r *transferRepository) Get(ctx context.Context, id string) (*domain.TransferRecord, error) {
	var payload []byte
	if err := r.db.QueryRowContext(ctx, selectTransfer, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return decodeRecord(payload)
}

func (r *transferRepository) GetAll(ctx context.Context) ([]domain.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectAllTransfers)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	// nolint:all
	defer rows.Close()

	records := make([]domain.TransferRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (r *transferRepository) Delete(ctx context.Context, ids []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, deleteTransfer, id); err != nil {
			// nolint:all
			tx.Rollback()
			return fmt.Errorf("failed to delete transfer %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *transferRepository) Close() {
	// nolint:all
	r.db.Close()
}

func decodeRecord(payload []byte) (*domain.TransferRecord, error) {
	record := &domain.TransferRecord{}
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("failed to deserialize transfer: %w", err)
	}
	return record, nil
}
