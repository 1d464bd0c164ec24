package dbclient

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// mongoSink writes each batch with InsertMany inside a transaction, so the
// server must be a replica set member or mongos.
type mongoSink struct {
	client *mongo.Client
	dbName string
	log    *zap.Logger
}

// buildMongoURI turns a connection into a mongodb:// URI. A host that is
// already a full connection string (Atlas mongodb+srv:// or standard
// mongodb://) is used as is, with <password> placeholders filled in.
func buildMongoURI(conn *domain.DatabaseConnection, password string) string {
	if strings.HasPrefix(conn.Host, "mongodb+srv://") || strings.HasPrefix(conn.Host, "mongodb://") {
		uri := conn.Host
		if password != "" {
			uri = strings.ReplaceAll(uri, "<password>", url.QueryEscape(password))
			uri = strings.ReplaceAll(uri, "<db_password>", url.QueryEscape(password))
		}
		return uri
	}

	port := conn.Port
	if port == 0 {
		port = DefaultPort(domain.DatabaseDriverMongoDB)
	}
	u := url.URL{Scheme: "mongodb", Host: fmt.Sprintf("%s:%d", conn.Host, port), Path: "/"}
	if conn.Username != "" {
		u.User = url.UserPassword(conn.Username, password)
	}
	if len(conn.Params) > 0 {
		q := url.Values{}
		keys := make([]string, 0, len(conn.Params))
		for k := range conn.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, conn.Params[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func newMongoSink(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (*mongoSink, error) {
	dbName := conn.Database
	if dbName == "" {
		dbName = "test"
	}
	uri := buildMongoURI(conn, password)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	logger.Debug("client created", zap.String("database", dbName))
	return &mongoSink{client: client, dbName: dbName, log: logger}, nil
}

func (m *mongoSink) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

// database picks the target's namespace, or the connection database.
func (m *mongoSink) database(target domain.SinkTarget) *mongo.Database {
	if target.Namespace != "" {
		return m.client.Database(target.Namespace)
	}
	return m.client.Database(m.dbName)
}

// stagingSuffix names the collection a replacement is built in before it
// is renamed over the target.
const stagingSuffix = "__tripload_new"

// Initialize builds an empty collection with a $jsonSchema validator under
// a staging name, then renames it over the target with dropTarget, so
// readers never see the collection missing.
func (m *mongoSink) Initialize(ctx context.Context, target domain.SinkTarget, schema *domain.SchemaSpec) error {
	db := m.database(target)
	staging := target.Table + stagingSuffix
	if err := db.Collection(staging).Drop(ctx); err != nil {
		return errors.Wrapf(err, "drop stale %s.%s", db.Name(), staging)
	}
	opts := options.CreateCollection().SetValidator(jsonSchemaValidator(schema))
	if err := db.CreateCollection(ctx, staging, opts); err != nil {
		return errors.Wrapf(err, "create %s.%s", db.Name(), staging)
	}
	cmd := renameCommand(db.Name(), staging, target.Table)
	if err := m.client.Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		_ = db.Collection(staging).Drop(ctx)
		return errors.Wrapf(err, "replace %s", target)
	}
	m.log.Debug("collection replaced", zap.String("collection", target.String()))
	return nil
}

// renameCommand moves db.from over db.to, dropping the old target.
func renameCommand(db, from, to string) bson.D {
	return bson.D{
		{Key: "renameCollection", Value: db + "." + from},
		{Key: "to", Value: db + "." + to},
		{Key: "dropTarget", Value: true},
	}
}

// jsonSchemaValidator requires every declared field, typed or null.
func jsonSchemaValidator(schema *domain.SchemaSpec) bson.D {
	props := bson.D{}
	required := bson.A{}
	for _, c := range schema.Columns() {
		props = append(props, bson.E{Key: c.Name, Value: bson.D{{Key: "bsonType", Value: bson.A{mongoType(c.Type), "null"}}}})
		required = append(required, c.Name)
	}
	return bson.D{{Key: "$jsonSchema", Value: bson.D{
		{Key: "bsonType", Value: "object"},
		{Key: "required", Value: required},
		{Key: "properties", Value: props},
	}}}
}

func mongoType(t domain.SemanticType) string {
	switch t {
	case domain.TypeInt64Nullable:
		return "long"
	case domain.TypeFloat64:
		return "double"
	case domain.TypeTimestamp:
		return "date"
	default:
		return "string"
	}
}

// batchDocuments renders each row as a document in column order.
func batchDocuments(batch *etl.TypedBatch) []any {
	names := batch.ColumnNames()
	docs := make([]any, len(batch.Rows))
	for i, row := range batch.Rows {
		doc := make(bson.D, len(names))
		for j, name := range names {
			doc[j] = bson.E{Key: name, Value: row[j]}
		}
		docs[i] = doc
	}
	return docs
}

func (m *mongoSink) Append(ctx context.Context, target domain.SinkTarget, batch *etl.TypedBatch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	coll := m.database(target).Collection(target.Table)
	docs := batchDocuments(batch)

	sess, err := m.client.StartSession()
	if err != nil {
		return 0, errors.Wrap(err, "start session")
	}
	defer sess.EndSession(ctx)

	n, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return 0, err
		}
		return int64(len(res.InsertedIDs)), nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "insert into %s", target)
	}
	return n.(int64), nil
}

func (m *mongoSink) RowCount(ctx context.Context, target domain.SinkTarget) (int64, error) {
	n, err := m.database(target).Collection(target.Table).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", target)
	}
	return n, nil
}

func (m *mongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
