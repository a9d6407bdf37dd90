package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bobmcallan/jobcore/internal/common"
	"github.com/bobmcallan/jobcore/internal/model"
	"github.com/bobmcallan/jobcore/internal/retry"
)

// MongoRepository implements Repository against a MongoDB collection.
// Structurally grounded on bobmcallan-vire's
// internal/storage/surrealdb/jobqueue.go (two-step dequeue, per-field
// select list, ResetRunningJobs), recast as Mongo FindOneAndUpdate /
// UpdateMany conditional updates.
type MongoRepository struct {
	coll   *mongo.Collection
	logger *common.Logger
	retry  *retry.Executor
}

// NewMongoRepository wraps coll. executor wraps every write with the
// bounded backoff described in spec §4.1; pass retry.New(retry.Options{})
// for the defaults.
func NewMongoRepository(coll *mongo.Collection, logger *common.Logger, executor *retry.Executor) *MongoRepository {
	if executor == nil {
		executor = retry.New(retry.Options{})
	}
	return &MongoRepository{coll: coll, logger: logger, retry: executor}
}

func (r *MongoRepository) Claim(ctx context.Context, job *model.Job, now time.Time) (*model.Job, error) {
	filter := bson.M{
		"_id":      job.ID,
		"name":     job.Name,
		"lockedAt": nil,
		"disabled": bson.M{"$ne": true},
	}
	update := bson.M{"$set": bson.M{"lockedAt": now}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var claimed *model.Job
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var out model.Job
		err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
		if err == mongo.ErrNoDocuments {
			claimed = nil
			return nil
		}
		if err != nil {
			return err
		}
		claimed = &out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: claim %s/%s: %w", job.Name, job.ID, err)
	}
	return claimed, nil
}

// eligibilityFilter builds the spec §3 invariant-2 predicate for name:
// disabled!=true AND ((lockedAt==nil AND nextRunAt<=scanHorizon) OR
// lockedAt<=lockDeadline).
func eligibilityFilter(name string, scanHorizon, lockDeadline time.Time) bson.M {
	return bson.M{
		"name":     name,
		"disabled": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"lockedAt": nil, "nextRunAt": bson.M{"$lte": scanHorizon}},
			bson.M{"lockedAt": bson.M{"$ne": nil, "$lte": lockDeadline}},
		},
	}
}

var claimSort = bson.D{{Key: "nextRunAt", Value: 1}, {Key: "priority", Value: -1}}

func (r *MongoRepository) ClaimNext(ctx context.Context, name string, scanHorizon, lockDeadline, now time.Time) (*model.Job, error) {
	filter := eligibilityFilter(name, scanHorizon, lockDeadline)
	update := bson.M{"$set": bson.M{"lockedAt": now}}
	opts := options.FindOneAndUpdate().
		SetSort(claimSort).
		SetReturnDocument(options.After)

	var claimed *model.Job
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var out model.Job
		err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
		if err == mongo.ErrNoDocuments {
			claimed = nil
			return nil
		}
		if err != nil {
			return err
		}
		claimed = &out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: claimNext %s: %w", name, err)
	}
	return claimed, nil
}

func (r *MongoRepository) BatchClaim(ctx context.Context, name string, batchSize int, scanHorizon, lockDeadline, now time.Time) ([]*model.Job, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	filter := eligibilityFilter(name, scanHorizon, lockDeadline)

	// Phase 1: select up to batchSize eligible ids in sort order.
	var ids []string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		ids = ids[:0]
		findOpts := options.Find().
			SetSort(claimSort).
			SetLimit(int64(batchSize)).
			SetProjection(bson.M{"_id": 1})

		cur, err := r.coll.Find(ctx, filter, findOpts)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var row struct {
				ID string `bson:"_id"`
			}
			if err := cur.Decode(&row); err != nil {
				return err
			}
			ids = append(ids, row.ID)
		}
		return cur.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("repository: batchClaim %s phase1: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// Phase 2: conditionally claim exactly those ids still eligible —
	// a concurrent stealer may have taken one between phase 1 and
	// phase 2; the filter here re-checks eligibility so only the
	// surviving ids get stamped.
	phase2Filter := bson.M{"_id": bson.M{"$in": ids}}
	for k, v := range eligibilityFilter(name, scanHorizon, lockDeadline) {
		if k == "name" {
			continue
		}
		phase2Filter[k] = v
	}
	phase2Filter["name"] = name

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.coll.UpdateMany(ctx, phase2Filter, bson.M{"$set": bson.M{"lockedAt": now}})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("repository: batchClaim %s phase2: %w", name, err)
	}

	// Phase 3: re-read only the ids that carry the new lockedAt==now
	// stamp, preserving the original sort order.
	claimedFilter := bson.M{"_id": bson.M{"$in": ids}, "lockedAt": now}
	var claimedByID = make(map[string]*model.Job, len(ids))
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		cur, err := r.coll.Find(ctx, claimedFilter)
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			var j model.Job
			if err := cur.Decode(&j); err != nil {
				return err
			}
			cp := j
			claimedByID[j.ID] = &cp
		}
		return cur.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("repository: batchClaim %s phase3: %w", name, err)
	}

	out := make([]*model.Job, 0, len(claimedByID))
	for _, id := range ids {
		if j, ok := claimedByID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *MongoRepository) Release(ctx context.Context, job *model.Job) error {
	filter := bson.M{"_id": job.ID, "nextRunAt": bson.M{"$ne": nil}}
	update := bson.M{"$set": bson.M{"lockedAt": nil}}
	return r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.coll.UpdateOne(ctx, filter, update)
		return err
	})
}

func (r *MongoRepository) ReleaseMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "nextRunAt": bson.M{"$ne": nil}}
	update := bson.M{"$set": bson.M{"lockedAt": nil}}
	return r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.coll.UpdateMany(ctx, filter, update)
		return err
	})
}

func (r *MongoRepository) SaveState(ctx context.Context, job *model.Job) error {
	filter := bson.M{"_id": job.ID, "name": job.Name}
	update := bson.M{"$set": bson.M{
		"lockedAt":       job.LockedAt,
		"nextRunAt":      job.NextRunAt,
		"lastRunAt":      job.LastRunAt,
		"lastFinishedAt": job.LastFinishedAt,
		"failedAt":       job.FailedAt,
		"failCount":      job.FailCount,
		"failReason":     job.FailReason,
		"progress":       job.Progress,
	}}

	var matched int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: saveState %s/%s: %w", job.Name, job.ID, err)
	}
	if matched == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) Touch(ctx context.Context, id string, expectedLockedAt time.Time, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "lockedAt": expectedLockedAt}
	update := bson.M{"$set": bson.M{"lockedAt": now}}

	var matched int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("repository: touch %s: %w", id, err)
	}
	return matched > 0, nil
}

func (r *MongoRepository) QueueSize(ctx context.Context, now time.Time) (int, error) {
	filter := bson.M{"nextRunAt": bson.M{"$lt": now}}
	var count int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		n, err := r.coll.CountDocuments(ctx, filter)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: queueSize: %w", err)
	}
	return int(count), nil
}

func (r *MongoRepository) UpsertSingle(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	filter := bson.M{"name": job.Name, "type": model.TypeSingle}
	update := bson.M{
		"$setOnInsert": job,
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before)

	var before model.Job
	var wasPresent bool
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
		if err == mongo.ErrNoDocuments {
			wasPresent = false
			return nil
		}
		if err != nil {
			return err
		}
		wasPresent = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: upsertSingle %s: %w", job.Name, err)
	}
	if wasPresent {
		return &before, false, nil
	}

	// ReturnDocument(Before) on an upsert that just inserted yields no
	// document; re-read the one we just created.
	var created model.Job
	if err := r.coll.FindOne(ctx, filter).Decode(&created); err != nil {
		return nil, false, fmt.Errorf("repository: upsertSingle %s: re-read after insert: %w", job.Name, err)
	}
	return &created, true, nil
}

func (r *MongoRepository) ResetRunningJobs(ctx context.Context, names []string) (int, error) {
	filter := bson.M{"lockedAt": bson.M{"$ne": nil}}
	if len(names) > 0 {
		filter["name"] = bson.M{"$in": names}
	}
	update := bson.M{"$set": bson.M{"lockedAt": nil}}

	var modified int64
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		res, err := r.coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return err
		}
		modified = res.ModifiedCount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: resetRunningJobs: %w", err)
	}
	return int(modified), nil
}

var _ Repository = (*MongoRepository)(nil)
