package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoApplyRunRepo struct {
	runsCol *mongo.Collection
}

var _ repository.ApplyRunRepository = (*MongoApplyRunRepo)(nil)

func NewMongoApplyRunRepo(db *mongo.Database) *MongoApplyRunRepo {
	col := db.Collection("apply_runs")

	_, _ = col.Indexes().CreateMany(context.Background(), []mongo.IndexModel{
		{Keys: bson.D{bson.E{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{bson.E{Key: "started_at", Value: -1}}},
	})

	return &MongoApplyRunRepo{
		runsCol: col,
	}
}

func (r *MongoApplyRunRepo) Create(ctx context.Context, run *entity.ApplyRun) error {
	metrics.IncStoreOp("apply_run_create")

	_, err := r.runsCol.InsertOne(ctx, run)
	if err != nil {
		metrics.IncError("mongo_apply_run_repo", "create_error")
		return err
	}
	return nil
}

func (r *MongoApplyRunRepo) Update(ctx context.Context, run *entity.ApplyRun) error {
	metrics.IncStoreOp("apply_run_update")

	res, err := r.runsCol.ReplaceOne(ctx, bson.M{"id": run.ID}, run)
	if err != nil {
		metrics.IncError("mongo_apply_run_repo", "update_error")
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("apply run %s: %w", run.ID, entity.ErrNotFound)
	}
	return nil
}

func (r *MongoApplyRunRepo) GetByID(ctx context.Context, id string) (*entity.ApplyRun, error) {
	metrics.IncStoreOp("apply_run_get")

	var run entity.ApplyRun
	err := r.runsCol.FindOne(ctx, bson.M{"id": id}).Decode(&run)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("apply run %s: %w", id, entity.ErrNotFound)
		}
		metrics.IncError("mongo_apply_run_repo", "get_error")
		return nil, err
	}
	return &run, nil
}

func (r *MongoApplyRunRepo) List(ctx context.Context, limit int) ([]*entity.ApplyRun, error) {
	metrics.IncStoreOp("apply_run_list")

	opts := options.Find().SetSort(bson.D{bson.E{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.runsCol.Find(ctx, bson.D{}, opts)
	if err != nil {
		metrics.IncError("mongo_apply_run_repo", "list_error")
		return nil, err
	}
	defer func() {
		err := cur.Close(ctx)
		if err != nil {
			log.Printf("close cursor err: %s", err)
		}
	}()

	var runs []*entity.ApplyRun
	for cur.Next(ctx) {
		var run entity.ApplyRun
		if err := cur.Decode(&run); err != nil {
			metrics.IncError("mongo_apply_run_repo", "list_decode_error")
			return nil, err
		}
		runs = append(runs, &run)
	}
	if err := cur.Err(); err != nil {
		metrics.IncError("mongo_apply_run_repo", "list_cursor_error")
	}
	return runs, cur.Err()
}
