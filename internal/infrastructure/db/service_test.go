package db_test

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/infrastructure/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	dbDir := t.TempDir()
	tests := []struct {
		name   string
		config db.ServiceConfig
	}{
		{
			name: "repo_manager_with_badger_stores",
			config: db.ServiceConfig{
				DataStoreType:   "badger",
				DataStoreConfig: []interface{}{"", nil},
			},
		},
		{
			name: "repo_manager_with_sqlite_stores",
			config: db.ServiceConfig{
				DataStoreType:   "sqlite",
				DataStoreConfig: []interface{}{dbDir},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := db.NewService(tt.config)
			require.NoError(t, err)
			defer svc.Close()

			testTransferRepository(t, svc.Transfers())
			testMessageRepository(t, svc.Messages())
		})
	}

	t.Run("unknown store type", func(t *testing.T) {
		_, err := db.NewService(db.ServiceConfig{DataStoreType: "postgres"})
		require.Error(t, err)
	})
}

func testTransferRepository(t *testing.T, repo domain.TransferRepository) {
	ctx := context.Background()
	preimage := []byte(uuid.New().String())
	hash := sha256.Sum256(preimage)

	transfer := domain.Transfer{
		Id:                 uuid.New().String(),
		From:               "test.usd.aa",
		To:                 "test.usd.bb",
		Amount:             10,
		AssetId:            "usd",
		ExecutionCondition: hash[:],
		ExpiresAt:          time.UnixMilli(time.Now().Add(time.Minute).UnixMilli()),
		NoteToSelf:         []byte(`{"note":"self"}`),
	}
	record := domain.NewTransferRecord(transfer, domain.DirectionOutgoing)

	_, err := repo.Get(ctx, transfer.Id)
	require.ErrorIs(t, err, domain.ErrTransferNotFound)

	require.NoError(t, repo.Upsert(ctx, *record))

	got, err := repo.Get(ctx, transfer.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePrepared, got.State)
	assert.Equal(t, domain.DirectionOutgoing, got.Direction)
	assert.True(t, transfer.SameTerms(got.Transfer))
	assert.False(t, got.Locked)

	_, err = record.Prepare(domain.EscrowOutput{
		OutputId: "tx:0",
		Amount:   10,
		AssetId:  "usd",
		Terms:    domain.EscrowTerms{ConditionHash: hash[:], ExpiresAt: transfer.ExpiresAt},
	})
	require.NoError(t, err)
	_, err = record.Fulfill(preimage)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, *record))

	got, err = repo.Get(ctx, transfer.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFulfilled, got.State)
	assert.Equal(t, preimage, got.Fulfillment)
	require.NotNil(t, got.Escrow)
	assert.Equal(t, "tx:0", got.Escrow.OutputId)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, []string{transfer.Id, "unknown"}))
	_, err = repo.Get(ctx, transfer.Id)
	require.ErrorIs(t, err, domain.ErrTransferNotFound)
}

func testMessageRepository(t *testing.T, repo domain.MessageRepository) {
	ctx := context.Background()
	outputId := uuid.New().String() + ":0"

	isNew, err := repo.MarkSeen(ctx, outputId)
	require.NoError(t, err)
	require.True(t, isNew)

	isNew, err = repo.MarkSeen(ctx, outputId)
	require.NoError(t, err)
	require.False(t, isNew)

	isNew, err = repo.MarkSeen(ctx, uuid.New().String()+":0")
	require.NoError(t, err)
	require.True(t, isNew)
}
