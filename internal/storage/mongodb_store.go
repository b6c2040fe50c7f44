package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dekapay/gateway/internal/metrics"
)

// MongoDBStore implements Store on MongoDB. Single-document updates are
// atomic in MongoDB, so the conditional $inc in AtomicDebit carries the
// same no-overspend guarantee as the SQL conditional UPDATE.
type MongoDBStore struct {
	client  *mongo.Client
	db      *mongo.Database
	metrics *metrics.Metrics
}

// SetMetrics enables query timing on the request-path operations.
func (s *MongoDBStore) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// NewMongoDBStore connects to MongoDB and prepares indexes.
func NewMongoDBStore(url, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &MongoDBStore{client: client, db: client.Database(database)}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

func (s *MongoDBStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		"api_keys": {
			{Keys: bson.D{{Key: "lookup_hash", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "wallet", Value: 1}}},
		},
		"billing_events": {
			{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "account_key", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		"credit_notes": {
			{Keys: bson.D{{Key: "wallet", Value: 1}}},
		},
		"alert_queue": {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *MongoDBStore) GetAccount(ctx context.Context, key string) (Account, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_account", "mongodb")()
	var a Account
	err := s.db.Collection("accounts").FindOne(ctx, bson.M{"key": key}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *MongoDBStore) PutAccount(ctx context.Context, a Account) error {
	defer metrics.MeasureDBQuery(s.metrics, "put_account", "mongodb")()
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.Collection("accounts").ReplaceOne(ctx,
		bson.M{"key": a.Key}, a, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoDBStore) ListAccounts(ctx context.Context) ([]Account, error) {
	cursor, err := s.db.Collection("accounts").Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []Account
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) AtomicDebit(ctx context.Context, key string, amount int64) (Account, error) {
	defer metrics.MeasureDBQuery(s.metrics, "atomic_debit", "mongodb")()
	var a Account
	err := s.db.Collection("accounts").FindOneAndUpdate(ctx,
		bson.M{"key": key, "unlocked": bson.M{"$gte": amount}},
		bson.M{
			"$inc": bson.M{"unlocked": -amount, "reserved": amount},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := s.GetAccount(ctx, key); errors.Is(getErr, ErrNotFound) {
			return Account{}, ErrNotFound
		}
		return Account{}, ErrInsufficient
	}
	return a, err
}

func (s *MongoDBStore) SupportsAtomicDebit() bool { return true }

func (s *MongoDBStore) SaveReservation(ctx context.Context, res Reservation) error {
	_, err := s.db.Collection("reservations").ReplaceOne(ctx,
		bson.M{"id": res.ID}, res, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoDBStore) GetReservation(ctx context.Context, id string) (Reservation, error) {
	var r Reservation
	err := s.db.Collection("reservations").FindOne(ctx, bson.M{"id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Reservation{}, ErrNotFound
	}
	return r, err
}

func (s *MongoDBStore) DeleteReservation(ctx context.Context, id string) error {
	result, err := s.db.Collection("reservations").DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) ListReservations(ctx context.Context) ([]Reservation, error) {
	cursor, err := s.db.Collection("reservations").Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []Reservation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) SaveAPIKey(ctx context.Context, key APIKey) error {
	_, err := s.db.Collection("api_keys").ReplaceOne(ctx,
		bson.M{"key_id": key.KeyID}, key, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoDBStore) GetAPIKey(ctx context.Context, keyID string) (APIKey, error) {
	var k APIKey
	err := s.db.Collection("api_keys").FindOne(ctx, bson.M{"key_id": keyID}).Decode(&k)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return APIKey{}, ErrNotFound
	}
	return k, err
}

func (s *MongoDBStore) GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (APIKey, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_api_key_by_lookup_hash", "mongodb")()
	var k APIKey
	err := s.db.Collection("api_keys").FindOne(ctx, bson.M{"lookup_hash": lookupHash}).Decode(&k)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return APIKey{}, ErrNotFound
	}
	return k, err
}

func (s *MongoDBStore) ListAPIKeysByWallet(ctx context.Context, wallet string) ([]APIKey, error) {
	cursor, err := s.db.Collection("api_keys").Find(ctx, bson.M{"wallet": wallet},
		options.Find().SetSort(bson.D{{Key: "key_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []APIKey
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	result, err := s.db.Collection("api_keys").UpdateOne(ctx,
		bson.M{"key_id": keyID}, bson.M{"$set": bson.M{"revoked": true}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) AppendBillingEvent(ctx context.Context, event BillingEvent) error {
	defer metrics.MeasureDBQuery(s.metrics, "append_billing_event", "mongodb")()
	_, err := s.db.Collection("billing_events").InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoDBStore) ListBillingEvents(ctx context.Context, accountKey string, limit int) ([]BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{}
	if accountKey != "" {
		filter["account_key"] = accountKey
	}
	cursor, err := s.db.Collection("billing_events").Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []BillingEvent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) SaveCreditNote(ctx context.Context, note CreditNote) error {
	_, err := s.db.Collection("credit_notes").InsertOne(ctx, note)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *MongoDBStore) ListCreditNotes(ctx context.Context, wallet string) ([]CreditNote, error) {
	filter := bson.M{}
	if wallet != "" {
		filter["wallet"] = wallet
	}
	cursor, err := s.db.Collection("credit_notes").Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []CreditNote
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) RecordVerificationFailure(ctx context.Context, failure VerificationFailure) error {
	_, err := s.db.Collection("verification_failures").InsertOne(ctx, failure)
	return err
}

func (s *MongoDBStore) ListVerificationFailures(ctx context.Context, limit int) ([]VerificationFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	cursor, err := s.db.Collection("verification_failures").Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []VerificationFailure
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) EnqueueAlert(ctx context.Context, alert PendingAlert) (string, error) {
	if alert.Status == "" {
		alert.Status = AlertPending
	}
	_, err := s.db.Collection("alert_queue").InsertOne(ctx, alert)
	return alert.ID, err
}

func (s *MongoDBStore) DequeueAlerts(ctx context.Context, now time.Time, limit int) ([]PendingAlert, error) {
	defer metrics.MeasureDBQuery(s.metrics, "dequeue_alerts", "mongodb")()
	if limit <= 0 {
		limit = 10
	}
	cursor, err := s.db.Collection("alert_queue").Find(ctx,
		bson.M{"status": AlertPending, "next_attempt_at": bson.M{"$lte": now}},
		options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []PendingAlert
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) MarkAlertProcessing(ctx context.Context, alertID string) error {
	result, err := s.db.Collection("alert_queue").UpdateOne(ctx,
		bson.M{"id": alertID, "status": AlertPending},
		bson.M{"$set": bson.M{"status": AlertProcessing, "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) MarkAlertDelivered(ctx context.Context, alertID string) error {
	result, err := s.db.Collection("alert_queue").DeleteOne(ctx, bson.M{"id": alertID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) MarkAlertFailed(ctx context.Context, alertID, errorMsg string, nextAttemptAt time.Time, toDLQ bool) error {
	status := AlertPending
	if toDLQ {
		status = AlertDLQ
	}
	result, err := s.db.Collection("alert_queue").UpdateOne(ctx,
		bson.M{"id": alertID},
		bson.M{
			"$set": bson.M{
				"status":          status,
				"last_error":      errorMsg,
				"next_attempt_at": nextAttemptAt,
				"updated_at":      time.Now().UTC(),
			},
			"$inc": bson.M{"attempts": 1},
		})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) ListAlerts(ctx context.Context, status AlertStatus, limit int) ([]PendingAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	cursor, err := s.db.Collection("alert_queue").Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var out []PendingAlert
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoDBStore) RequeueAlert(ctx context.Context, alertID string) error {
	result, err := s.db.Collection("alert_queue").UpdateOne(ctx,
		bson.M{"id": alertID},
		bson.M{"$set": bson.M{
			"status":          AlertPending,
			"last_error":      "",
			"next_attempt_at": time.Now().UTC(),
			"updated_at":      time.Now().UTC(),
		}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
