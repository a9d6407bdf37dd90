//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bobmcallan/jobcore/internal/common"
	"github.com/bobmcallan/jobcore/internal/model"
)

// Gated the same way as bobmcallan-vire's tests/common.Env: skipped
// unless explicitly enabled, since it spins up a real Docker container.
func requireDockerTests(t *testing.T) {
	t.Helper()
	if os.Getenv("JOBCORE_TEST_DOCKER") != "true" {
		t.Skip("Docker-backed integration tests disabled (set JOBCORE_TEST_DOCKER=true to enable)")
	}
}

func newTestCollection(t *testing.T) *mongo.Collection {
	t.Helper()
	requireDockerTests(t)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	require.NoError(t, client.Ping(ctx, nil))

	return client.Database("jobcore_test").Collection("jobs")
}

func testJob(id, name string) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		ID:        id,
		Name:      name,
		Type:      model.TypeNormal,
		NextRunAt: &now,
		Priority:  0,
	}
}

func TestMongoRepository_ClaimNext_SingleEligibleJob(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	job := testJob("job-1", "send-email")
	_, err := coll.InsertOne(ctx, job)
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := repo.ClaimNext(ctx, "send-email", now, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "job-1", claimed.ID)
	require.NotNil(t, claimed.LockedAt)
}

func TestMongoRepository_ClaimNext_NoEligibleJobReturnsNil(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	future := time.Now().Add(time.Hour).UTC()
	job := testJob("job-2", "send-email")
	job.NextRunAt = &future
	_, err := coll.InsertOne(ctx, job)
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := repo.ClaimNext(ctx, "send-email", now, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestMongoRepository_Claim_AlreadyLockedFails(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	lockedAt := time.Now().UTC()
	job := testJob("job-3", "send-email")
	job.LockedAt = &lockedAt
	_, err := coll.InsertOne(ctx, job)
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, job, time.Now().UTC())
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestMongoRepository_BatchClaim_RespectsBatchSizeAndOrder(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	for i, id := range []string{"a", "b", "c"} {
		j := testJob(id, "bulk")
		t0 := base.Add(time.Duration(i) * time.Second)
		j.NextRunAt = &t0
		_, err := coll.InsertOne(ctx, j)
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	claimed, err := repo.BatchClaim(ctx, "bulk", 2, now, now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "a", claimed[0].ID)
	require.Equal(t, "b", claimed[1].ID)
}

func TestMongoRepository_Release_ClearsLock(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	lockedAt := time.Now().UTC()
	job := testJob("job-4", "send-email")
	job.LockedAt = &lockedAt
	_, err := coll.InsertOne(ctx, job)
	require.NoError(t, err)

	require.NoError(t, repo.Release(ctx, job))

	var stored model.Job
	require.NoError(t, coll.FindOne(ctx, bson.M{"_id": "job-4"}).Decode(&stored))
	require.Nil(t, stored.LockedAt)
}

func TestMongoRepository_SaveState_MissingDocReturnsErrNotFound(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	err := repo.SaveState(ctx, testJob("ghost", "send-email"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMongoRepository_Touch_StolenLockFails(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	original := time.Now().Add(-time.Minute).UTC()
	job := testJob("job-5", "send-email")
	job.LockedAt = &original
	_, err := coll.InsertOne(ctx, job)
	require.NoError(t, err)

	staleExpected := original.Add(-time.Second)
	ok, err := repo.Touch(ctx, "job-5", staleExpected, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Touch(ctx, "job-5", original, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMongoRepository_UpsertSingle_SecondCallReturnsExisting(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	job := testJob("singleton-1", "nightly-reindex")
	job.Type = model.TypeSingle

	created, wasCreated, err := repo.UpsertSingle(ctx, job)
	require.NoError(t, err)
	require.True(t, wasCreated)
	require.Equal(t, "singleton-1", created.ID)

	job2 := testJob("singleton-2", "nightly-reindex")
	job2.Type = model.TypeSingle
	existing, wasCreated2, err := repo.UpsertSingle(ctx, job2)
	require.NoError(t, err)
	require.False(t, wasCreated2)
	require.Equal(t, "singleton-1", existing.ID)
}

func TestMongoRepository_ResetRunningJobs_ClearsAllLocks(t *testing.T) {
	coll := newTestCollection(t)
	repo := NewMongoRepository(coll, common.NewSilentLogger(), nil)
	ctx := context.Background()

	lockedAt := time.Now().UTC()
	for _, id := range []string{"r1", "r2"} {
		j := testJob(id, "reset-me")
		j.LockedAt = &lockedAt
		_, err := coll.InsertOne(ctx, j)
		require.NoError(t, err)
	}

	n, err := repo.ResetRunningJobs(ctx, []string{"reset-me"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
