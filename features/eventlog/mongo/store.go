// Package mongo provides a durable eventlog.Store backed by MongoDB. Rows,
// state snapshots, and session records land in separate collections indexed
// for the roll-up queries the log surface serves.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
)

// Store implements eventlog.Store on MongoDB collections.
type Store struct {
	rows     *mongo.Collection
	state    *mongo.Collection
	sessions *mongo.Collection
}

// New wires the store against the given database and ensures the lookup
// indexes exist.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		rows:     db.Collection("unified_logs"),
		state:    db.Collection("state_snapshots"),
		sessions: db.Collection("cascade_sessions"),
	}
	rowIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "caller_id", Value: 1}}},
		{Keys: bson.D{{Key: "cascade_id", Value: 1}, {Key: "cell_name", Value: 1}, {Key: "node_type", Value: 1}}},
	}
	if _, err := s.rows.Indexes().CreateMany(ctx, rowIndexes); err != nil {
		return nil, fmt.Errorf("create row indexes: %w", err)
	}
	stateIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "key", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := s.state.Indexes().CreateMany(ctx, stateIndexes); err != nil {
		return nil, fmt.Errorf("create state indexes: %w", err)
	}
	sessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "parent_session_id", Value: 1}}},
	}
	if _, err := s.sessions.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return nil, fmt.Errorf("create session indexes: %w", err)
	}
	return s, nil
}

// Connect dials MongoDB and returns a store on the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return New(ctx, client.Database(database))
}

// AppendRow implements eventlog.Store.
func (s *Store) AppendRow(ctx context.Context, row *eventlog.Row) error {
	if _, err := s.rows.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	return nil
}

// AppendState implements eventlog.Store.
func (s *Store) AppendState(ctx context.Context, row *eventlog.StateRow) error {
	if _, err := s.state.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("append state: %w", err)
	}
	return nil
}

// AppendSession implements eventlog.Store.
func (s *Store) AppendSession(ctx context.Context, row *eventlog.SessionRow) error {
	if _, err := s.sessions.InsertOne(ctx, row); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return nil
}

// ListRows implements eventlog.Store. Rows come back in timestamp order.
func (s *Store) ListRows(ctx context.Context, f eventlog.Filter) ([]*eventlog.Row, error) {
	query := bson.M{}
	if f.SessionID != "" {
		query["session_id"] = f.SessionID
	}
	if f.CallerID != "" {
		query["caller_id"] = f.CallerID
	}
	if f.CascadeID != "" {
		query["cascade_id"] = f.CascadeID
	}
	if f.CellName != "" {
		query["cell_name"] = f.CellName
	}
	if f.NodeType != "" {
		query["node_type"] = f.NodeType
	}
	if f.WinnersOnly {
		query["is_winner"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.rows.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	var rows []*eventlog.Row
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return rows, nil
}

// LatestState implements eventlog.Store.
func (s *Store) LatestState(ctx context.Context, sessionID, key string) (*eventlog.StateRow, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var row eventlog.StateRow
	err := s.state.FindOne(ctx, bson.M{"session_id": sessionID, "key": key}, opts).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest state: %w", err)
	}
	return &row, nil
}

// GetSession implements eventlog.Store.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*eventlog.SessionRow, error) {
	var row eventlog.SessionRow
	err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}
