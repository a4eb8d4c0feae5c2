package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"vigil/core"
)

const (
	rulesCollection  = "rules"
	eventsCollection = "correlation_events"

	// maxDedupEntries bounds the in-memory dedup window for archived events.
	maxDedupEntries = 100000
)

// MongoDB wraps a connected client and database handle.
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoDB connects to MongoDB and verifies the connection with a ping.
func NewMongoDB(ctx context.Context, uri, database string, maxPoolSize uint64) (*MongoDB, error) {
	opts := options.Client().ApplyURI(uri)
	if maxPoolSize > 0 {
		opts.SetMaxPoolSize(maxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoDB{
		Client:   client,
		Database: client.Database(database),
	}, nil
}

// Close disconnects the client.
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// MongoRuleStorage implements RuleStorage on a MongoDB collection.
type MongoRuleStorage struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger
}

// NewMongoRuleStorage creates rule storage over the rules collection.
func NewMongoRuleStorage(db *MongoDB, logger *zap.SugaredLogger) *MongoRuleStorage {
	return &MongoRuleStorage{
		coll:   db.Database.Collection(rulesCollection),
		logger: logger,
	}
}

func (s *MongoRuleStorage) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	var rule core.Rule
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rule)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %s: %w", id, err)
	}
	return &rule, nil
}

func (s *MongoRuleStorage) GetEnabledRules(ctx context.Context) ([]*core.Rule, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("failed to query enabled rules: %w", err)
	}
	defer cursor.Close(ctx)

	var rules []*core.Rule
	for cursor.Next(ctx) {
		var rule core.Rule
		if err := cursor.Decode(&rule); err != nil {
			s.logger.Warnw("Skipping undecodable rule document", "error", err)
			continue
		}
		rules = append(rules, &rule)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("rule cursor error: %w", err)
	}
	return rules, nil
}

func (s *MongoRuleStorage) SaveRule(ctx context.Context, rule *core.Rule) error {
	rule.UpdatedAt = time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = rule.UpdatedAt
		rule.AppendHistory("created", "", "")
	} else {
		rule.AppendHistory("updated", "", "")
	}
	rule.Version++
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rule.ID}, rule, opts); err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *MongoRuleStorage) DeleteRule(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoRuleStorage) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	update := bson.M{
		"$inc": bson.M{"trigger_count": 1},
		"$set": bson.M{"last_triggered": at},
	}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to record trigger for rule %s: %w", id, err)
	}
	return nil
}

// MongoEventArchive implements EventArchive on a MongoDB collection, with an
// in-memory LRU dedup window so repeated archival of the same event id is
// cheap and idempotent.
type MongoEventArchive struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger

	dedupMu   sync.Mutex
	dedupSet  map[uint64]*list.Element
	dedupList *list.List
}

// NewMongoEventArchive creates an archive over the correlation events
// collection.
func NewMongoEventArchive(db *MongoDB, logger *zap.SugaredLogger) *MongoEventArchive {
	return &MongoEventArchive{
		coll:      db.Database.Collection(eventsCollection),
		logger:    logger,
		dedupSet:  make(map[uint64]*list.Element),
		dedupList: list.New(),
	}
}

// EnsureIndexes creates the indexes the context builder's queries rely on.
func (a *MongoEventArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "source_addr", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "dest_addr", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	}
	if _, err := a.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create event archive indexes: %w", err)
	}
	return nil
}

// seen records the event id in the dedup window and reports whether it was
// already present.
func (a *MongoEventArchive) seen(eventID string) bool {
	h := xxhash.Sum64String(eventID)

	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()

	if elem, ok := a.dedupSet[h]; ok {
		a.dedupList.MoveToFront(elem)
		return true
	}

	elem := a.dedupList.PushFront(h)
	a.dedupSet[h] = elem

	if a.dedupList.Len() > maxDedupEntries {
		oldest := a.dedupList.Back()
		if oldest != nil {
			a.dedupList.Remove(oldest)
			delete(a.dedupSet, oldest.Value.(uint64))
		}
	}
	return false
}

func (a *MongoEventArchive) Insert(ctx context.Context, event *core.CorrelationEvent) error {
	if a.seen(event.EventID) {
		return nil
	}
	if _, err := a.coll.InsertOne(ctx, event); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to archive event %s: %w", event.EventID, err)
	}
	return nil
}

func (a *MongoEventArchive) InsertBatch(ctx context.Context, events []*core.CorrelationEvent) error {
	docs := make([]interface{}, 0, len(events))
	for _, ev := range events {
		if a.seen(ev.EventID) {
			continue
		}
		docs = append(docs, ev)
	}
	if len(docs) == 0 {
		return nil
	}

	opts := options.InsertMany().SetOrdered(false)
	if _, err := a.coll.InsertMany(ctx, docs, opts); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to archive event batch: %w", err)
		}
	}
	return nil
}

func (a *MongoEventArchive) FindRelated(ctx context.Context, entityID, sourceAddr, destAddr string, since time.Time) ([]*core.CorrelationEvent, error) {
	var selectors []bson.M
	if entityID != "" {
		selectors = append(selectors, bson.M{"entity_id": entityID})
	}
	if sourceAddr != "" {
		selectors = append(selectors, bson.M{"source_addr": sourceAddr})
	}
	if destAddr != "" {
		selectors = append(selectors, bson.M{"dest_addr": destAddr})
	}
	if len(selectors) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"$or":       selectors,
		"timestamp": bson.M{"$gte": since},
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query related events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*core.CorrelationEvent
	for cursor.Next(ctx) {
		var ev core.CorrelationEvent
		if err := cursor.Decode(&ev); err != nil {
			a.logger.Warnw("Skipping undecodable archived event", "error", err)
			continue
		}
		events = append(events, &ev)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("related events cursor error: %w", err)
	}
	return events, nil
}

func (a *MongoEventArchive) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.DeletedCount, nil
}
