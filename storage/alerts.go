package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"vigil/core"
)

const alertsCollection = "alerts"

// MongoAlertSink persists alerts raised by matched rules. It satisfies
// core.AlertSink for hosts that keep alert triage in the same database.
type MongoAlertSink struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger
}

func NewMongoAlertSink(db *MongoDB, logger *zap.SugaredLogger) *MongoAlertSink {
	return &MongoAlertSink{
		coll:   db.Database.Collection(alertsCollection),
		logger: logger,
	}
}

func (s *MongoAlertSink) CreateAlert(ctx context.Context, alert *core.Alert) error {
	if _, err := s.coll.InsertOne(ctx, alert); err != nil {
		return fmt.Errorf("failed to store alert %s: %w", alert.ID, err)
	}
	return nil
}
