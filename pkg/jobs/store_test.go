package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamalbuilds/PrivateInsight/pkg/zkproof"
)

func sampleJob() Job {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Job{
		ID:            7,
		Requester:     "alice",
		DatasetHandle: "sha256:abcd",
		Category:      "health-research",
		CircuitID:     "count-v1",
		Epsilon:       decimal.RequireFromString("2.5"),
		State:         StateCompleted,
		ReservationID: "res-1",
		ResultHash:    "sha256:result",
		Proof: &zkproof.Proof{
			CircuitID:    "count-v1",
			ProofBytes:   []byte{1, 2, 3},
			PublicInputs: []string{"42"},
			ResultHash:   "sha256:result",
		},
		SubmittedAt: now,
		UpdatedAt:   now.Add(time.Minute),
		Deadline:    now.Add(5 * time.Minute),
	}
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	store, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	job := sampleJob()
	require.NoError(t, store.SaveJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Requester, got.Requester)
	assert.Equal(t, job.State, got.State)
	assert.True(t, got.Epsilon.Equal(job.Epsilon))
	require.NotNil(t, got.Proof)
	assert.Equal(t, job.Proof.PublicInputs, got.Proof.PublicInputs)
	assert.True(t, got.Deadline.Equal(job.Deadline))

	// Upsert: state changes persist under the same id.
	job.State = StateVerified
	job.UpdatedAt = job.UpdatedAt.Add(time.Minute)
	require.NoError(t, store.SaveJob(ctx, job))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, got.State)

	all, err := store.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	maxID, err := store.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), maxID)

	_, err = store.GetJob(ctx, 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteStoreMaxIDEmpty(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)

	maxID, err := store.MaxID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

func TestPostgresStoreSaveJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(ctx, db)
	require.NoError(t, err)

	job := sampleJob()
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(7), "alice", "sha256:abcd", "health-research", "count-v1",
			"2.5", "completed", "res-1", "sha256:result", sqlmock.AnyArg(), "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveJob(ctx, job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(ctx, db)
	require.NoError(t, err)

	cols := []string{"id", "requester", "dataset_handle", "category", "circuit_id", "epsilon",
		"state", "reservation_id", "result_hash", "proof", "failure_reason",
		"submitted_at", "updated_at", "deadline"}
	mock.ExpectQuery("SELECT .+ FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(7), "alice", "sha256:abcd", "health-research", "count-v1", "2.5",
			"pending", "res-1", "", nil, "",
			"2025-06-01T12:00:00Z", "2025-06-01T12:00:00Z", ""))

	got, err := store.GetJob(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.True(t, got.Epsilon.Equal(decimal.RequireFromString("2.5")))
	assert.Nil(t, got.Proof)
	assert.True(t, got.Deadline.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}
