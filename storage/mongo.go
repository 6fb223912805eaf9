package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoProfileColl = "factsheet_profile"
	mongoHistoryColl = "factsheet_history"
)

type mongoAdapter struct {
	db         *mongo.Database
	maxHistory int
}

func isMongoDB(conn any) bool {
	_, ok := conn.(*mongo.Database)
	return ok
}

func newMongoAdapter(conn any, opts Options) (Adapter, error) {
	return &mongoAdapter{db: conn.(*mongo.Database), maxHistory: opts.maxHistory()}, nil
}

func (a *mongoAdapter) Dialect() string { return "mongodb" }

func (a *mongoAdapter) profiles() *mongo.Collection { return a.db.Collection(mongoProfileColl) }
func (a *mongoAdapter) history() *mongo.Collection  { return a.db.Collection(mongoHistoryColl) }

func (a *mongoAdapter) Migrate(ctx context.Context) error {
	_, err := a.history().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "field", Value: 1}, {Key: "_id", Value: 1}}},
	})
	return err
}

type mongoProfileDoc struct {
	Subject     string    `bson:"_id"`
	Profile     string    `bson:"profile"`
	Provenance  string    `bson:"provenance"`
	Version     int64     `bson:"version"`
	DateUpdated time.Time `bson:"date_updated"`
}

type mongoHistoryDoc struct {
	OID           primitive.ObjectID `bson:"_id,omitempty"`
	Subject       string             `bson:"subject"`
	Field         string             `bson:"field"`
	Value         string             `bson:"value"`
	PreviousValue string             `bson:"previous_value"`
	Source        string             `bson:"source"`
	TimestampMS   int64              `bson:"timestamp_ms"`
	Confidence    float64            `bson:"confidence"`
	Inferred      bool               `bson:"inferred"`
	Action        string             `bson:"action"`
	Reason        string             `bson:"reason"`
}

func (a *mongoAdapter) Get(ctx context.Context, subject string) (*Record, error) {
	var doc mongoProfileDoc
	err := a.profiles().FindOne(ctx, bson.M{"_id": subject}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Profile:    map[string]any{},
		Provenance: map[string]ProvenanceEntry{},
		ETag:       strconv.FormatInt(doc.Version, 10),
	}
	if err := json.Unmarshal([]byte(doc.Profile), &rec.Profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(doc.Provenance), &rec.Provenance); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}
	return rec, nil
}

// Set guards the profile update with a version filter; the history insert
// follows in the same call (standalone Mongo has no cross-collection
// transaction, so this is as atomic as the backend permits).
func (a *mongoAdapter) Set(ctx context.Context, subject string, profile map[string]any, provenance map[string]ProvenanceEntry, opts SetOptions, history []HistoryEntry) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	provJSON, err := json.Marshal(provenance)
	if err != nil {
		return "", err
	}
	now := time.Now()

	var version int64
	switch {
	case opts.Force:
		after := options.After
		var doc mongoProfileDoc
		err := a.profiles().FindOneAndUpdate(ctx,
			bson.M{"_id": subject},
			bson.M{
				"$set": bson.M{"profile": string(profileJSON), "provenance": string(provJSON), "date_updated": now},
				"$inc": bson.M{"version": int64(1)},
			},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(after),
		).Decode(&doc)
		if err != nil {
			return "", err
		}
		version = doc.Version

	case opts.ETag == "":
		version = 1
		_, err := a.profiles().InsertOne(ctx, mongoProfileDoc{
			Subject:     subject,
			Profile:     string(profileJSON),
			Provenance:  string(provJSON),
			Version:     version,
			DateUpdated: now,
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", ErrConflict
			}
			return "", err
		}

	default:
		expected, err := strconv.ParseInt(opts.ETag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad etag %q: %w", opts.ETag, err)
		}
		res, err := a.profiles().UpdateOne(ctx,
			bson.M{"_id": subject, "version": expected},
			bson.M{
				"$set": bson.M{"profile": string(profileJSON), "provenance": string(provJSON), "date_updated": now},
				"$inc": bson.M{"version": int64(1)},
			},
		)
		if err != nil {
			return "", err
		}
		if res.MatchedCount == 0 {
			return "", ErrConflict
		}
		version = expected + 1
	}

	if err := a.AppendHistory(ctx, subject, history); err != nil {
		return "", err
	}
	return strconv.FormatInt(version, 10), nil
}

func (a *mongoAdapter) AppendHistory(ctx context.Context, subject string, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, 0, len(entries))
	for _, e := range entries {
		valueJSON, err := json.Marshal(e.Value)
		if err != nil {
			return err
		}
		prevJSON, err := json.Marshal(e.PreviousValue)
		if err != nil {
			return err
		}
		docs = append(docs, mongoHistoryDoc{
			Subject:       subject,
			Field:         e.Field,
			Value:         string(valueJSON),
			PreviousValue: string(prevJSON),
			Source:        e.Source,
			TimestampMS:   e.TimestampMS,
			Confidence:    e.Confidence,
			Inferred:      e.Inferred,
			Action:        e.Action,
			Reason:        e.Reason,
		})
	}
	if _, err := a.history().InsertMany(ctx, docs); err != nil {
		return err
	}
	return a.trimHistory(ctx, subject)
}

func (a *mongoAdapter) trimHistory(ctx context.Context, subject string) error {
	if a.maxHistory <= 0 {
		return nil
	}
	n, err := a.history().CountDocuments(ctx, bson.M{"subject": subject})
	if err != nil || n <= int64(a.maxHistory) {
		return err
	}
	// Find the oldest surviving id, then drop everything before it.
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetSkip(int64(a.maxHistory - 1))
	var boundary mongoHistoryDoc
	if err := a.history().FindOne(ctx, bson.M{"subject": subject}, opts).Decode(&boundary); err != nil {
		return err
	}
	_, err = a.history().DeleteMany(ctx, bson.M{"subject": subject, "_id": bson.M{"$lt": boundary.OID}})
	return err
}

// History pages by ObjectID; the cursor is the hex id of the last document.
func (a *mongoAdapter) History(ctx context.Context, subject string, q HistoryQuery) (*HistoryPage, error) {
	filter := bson.M{"subject": subject}
	if q.Field != "" {
		filter["field"] = q.Field
	}
	if q.Cursor != "" {
		oid, err := primitive.ObjectIDFromHex(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter["_id"] = bson.M{"$gt": oid}
	}
	limit := historyLimit(q)

	cur, err := a.history().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	page := &HistoryPage{}
	var lastOID primitive.ObjectID
	for cur.Next(ctx) {
		var doc mongoHistoryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e := HistoryEntry{
			Field:       doc.Field,
			Source:      doc.Source,
			TimestampMS: doc.TimestampMS,
			Confidence:  doc.Confidence,
			Inferred:    doc.Inferred,
			Action:      doc.Action,
			Reason:      doc.Reason,
		}
		_ = json.Unmarshal([]byte(doc.Value), &e.Value)
		_ = json.Unmarshal([]byte(doc.PreviousValue), &e.PreviousValue)
		page.Entries = append(page.Entries, e)
		lastOID = doc.OID
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(page.Entries) == limit {
		page.NextCursor = lastOID.Hex()
	}
	return page, nil
}

func (a *mongoAdapter) Delete(ctx context.Context, subject string) error {
	if _, err := a.history().DeleteMany(ctx, bson.M{"subject": subject}); err != nil {
		return err
	}
	_, err := a.profiles().DeleteOne(ctx, bson.M{"_id": subject})
	return err
}

func (a *mongoAdapter) ListSubjects(ctx context.Context) ([]string, error) {
	cur, err := a.profiles().Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var doc struct {
			Subject string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Subject)
	}
	return out, cur.Err()
}

func (a *mongoAdapter) HealthCheck(ctx context.Context) error {
	return a.db.Client().Ping(ctx, nil)
}
