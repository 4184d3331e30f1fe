package crawlerkit

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// mongoBackend implements documentBackend with the official driver.
type mongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
}

// dialMongo connects and pings the primary so that bad hosts and bad
// credentials fail at construction time.
func dialMongo(ctx context.Context, cfg MongoConfig) (*mongoBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.timeout()
	clientOptions := options.Client().
		ApplyURI(cfg.ConnectionURI()).
		SetTimeout(timeout).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, classified(KindConnection, backendMongo, "connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classified(KindConnection, backendMongo, "connect", err)
	}

	return &mongoBackend{client: client, db: client.Database(cfg.Database)}, nil
}

func (b *mongoBackend) InsertOne(ctx context.Context, target string, rec Record) (interface{}, error) {
	res, err := b.db.Collection(target).InsertOne(ctx, bson.M(rec))
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (b *mongoBackend) UpdateMany(ctx context.Context, target string, filter Filter, patch Record, upsert bool) (UpdateResult, error) {
	update := bson.D{{Key: "$set", Value: bson.M(patch)}}
	opts := options.UpdateMany().SetUpsert(upsert)

	res, err := b.db.Collection(target).UpdateMany(ctx, mongoFilter(filter), update, opts)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{
		Matched:    res.MatchedCount,
		Modified:   res.ModifiedCount,
		Upserted:   res.UpsertedCount,
		UpsertedID: res.UpsertedID,
	}, nil
}

func (b *mongoBackend) Find(ctx context.Context, target string, filter Filter, limit int64) ([]Record, error) {
	coll := b.db.Collection(target)

	if limit == 1 {
		var doc bson.M
		err := coll.FindOne(ctx, mongoFilter(filter)).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return []Record{}, nil
		}
		if err != nil {
			return nil, err
		}
		return []Record{fromBSON(doc)}, nil
	}

	findOptions := options.Find()
	if limit > 0 {
		findOptions.SetLimit(limit)
	}
	cursor, err := coll.Find(ctx, mongoFilter(filter), findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]Record, len(docs))
	for i, doc := range docs {
		records[i] = fromBSON(doc)
	}
	return records, nil
}

func (b *mongoBackend) DeleteOne(ctx context.Context, target string, filter Filter) (int64, error) {
	res, err := b.db.Collection(target).DeleteOne(ctx, mongoFilter(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (b *mongoBackend) TargetExists(ctx context.Context, target string) (bool, error) {
	names, err := b.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: target}})
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == target {
			return true, nil
		}
	}
	return false, nil
}

func (b *mongoBackend) DropTarget(ctx context.Context, target string) error {
	return b.db.Collection(target).Drop(ctx)
}

func (b *mongoBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, readpref.Primary())
}

func (b *mongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func (b *mongoBackend) Classify(err error) ErrorKind {
	return classifyMongoError(err)
}

// MongoDB server error codes
const (
	mongoCodeUnauthorized         = 13
	mongoCodeAuthenticationFailed = 18
)

// classifyMongoError maps driver and server errors to the shared taxonomy.
func classifyMongoError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case mongo.IsDuplicateKeyError(err):
		return KindDuplicateKey
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return KindConnection
	case errors.Is(err, mongo.ErrNilDocument):
		return KindValidation
	}

	var marshalErr mongo.MarshalError
	if errors.As(err, &marshalErr) {
		return KindValidation
	}

	// Any other server reply is a rejected operation, except auth failures.
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorCode(mongoCodeUnauthorized) || serverErr.HasErrorCode(mongoCodeAuthenticationFailed) {
			return KindConnection
		}
		return KindQuery
	}

	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	return KindUnknown
}

// mongoFilter translates a Filter into a query document.
func mongoFilter(f Filter) bson.D {
	doc := bson.D{}
	for _, c := range f.clauses {
		switch c.Op {
		case OpInSet:
			values := c.Values
			if values == nil {
				values = []interface{}{}
			}
			doc = append(doc, bson.E{Key: c.Field, Value: bson.D{{Key: "$in", Value: bson.A(values)}}})
		default:
			doc = append(doc, bson.E{Key: c.Field, Value: c.Value})
		}
	}
	return doc
}

// fromBSON converts decoded documents into Records, recursively turning
// nested documents and arrays into Records and slices.
func fromBSON(doc bson.M) Record {
	rec := make(Record, len(doc))
	for k, v := range doc {
		rec[k] = fromBSONValue(v)
	}
	return rec
}

func fromBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return fromBSON(t)
	case bson.D:
		rec := make(Record, len(t))
		for _, e := range t {
			rec[e.Key] = fromBSONValue(e.Value)
		}
		return rec
	case bson.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	default:
		return v
	}
}
