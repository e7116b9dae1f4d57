package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	xerrors "TaskSync/internal/errors"
)

// MongoConfig 描述 MongoStore 的连接参数。
type MongoConfig struct {
	URI        string
	Username   string
	Password   string
	Database   string
	Collection string
	// ConnectTimeout 限制建立连接与首次 Ping 的时间。
	ConnectTimeout time.Duration
}

// MongoStore 使用 MongoDB 集合保存任务文档，ID 为 ObjectID 的十六进制形式。
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore 连接 MongoDB 并返回 MongoStore。
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, xerrors.New(xerrors.CodeMalformedInput, "MongoDB URI 不能为空")
	}
	if cfg.Database == "" {
		cfg.Database = "taskManagement"
	}
	if cfg.Collection == "" {
		cfg.Collection = "tasks"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	serverAPI := options.ServerAPI(options.ServerAPIVersion1).
		SetStrict(true).
		SetDeprecationErrors(true)
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerAPIOptions(serverAPI).
		SetRetryWrites(true).
		SetAppName("tasksync")
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MongoDB 失败")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MongoDB")
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	return &MongoStore{client: client, collection: collection}, nil
}

// ListAll 返回集合中的全部文档，顺序由 MongoDB 自然顺序决定。
func (s *MongoStore) ListAll(ctx context.Context) ([]Task, error) {
	cursor, err := s.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, storeError(err, "查询任务失败")
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storeError(err, "读取任务失败")
	}

	results := make([]Task, 0, len(docs))
	for _, doc := range docs {
		results = append(results, documentToTask(doc))
	}
	return results, nil
}

// Insert 插入新文档并返回 MongoDB 分配的 ObjectID。
func (s *MongoStore) Insert(ctx context.Context, fields Fields) (string, error) {
	doc := bson.M(fields.Clone().withoutID())
	res, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		return "", storeError(err, "插入任务失败")
	}
	switch id := res.InsertedID.(type) {
	case primitive.ObjectID:
		return id.Hex(), nil
	default:
		return fmt.Sprint(id), nil
	}
}

// Update 使用 $set 合并字段。
func (s *MongoStore) Update(ctx context.Context, id string, patch Fields) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	patch = patch.Clone().withoutID()
	if len(patch) == 0 {
		return ErrEmptyUpdate
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{IDField: oid}, bson.M{"$set": bson.M(patch)})
	if err != nil {
		return storeError(err, "更新任务失败")
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete 删除文档；文档不存在时不报错。
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	if _, err := s.collection.DeleteOne(ctx, bson.M{IDField: oid}); err != nil {
		return storeError(err, "删除任务失败")
	}
	return nil
}

// Close 断开与 MongoDB 的连接。
func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return primitive.NilObjectID, ErrMissingID
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, xerrors.Wrap(xerrors.CodeMalformedInput, err, "任务 ID 无效",
			xerrors.WithMetadata("task_id", id))
	}
	return oid, nil
}

func storeError(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func documentToTask(doc bson.M) Task {
	var id string
	switch raw := doc[IDField].(type) {
	case primitive.ObjectID:
		id = raw.Hex()
	case string:
		id = raw
	case nil:
	default:
		id = fmt.Sprint(raw)
	}
	fields := make(Fields, len(doc))
	for key, value := range doc {
		if key == IDField {
			continue
		}
		fields[key] = normalizeBSON(value)
	}
	return Task{ID: id, Fields: fields}
}

// normalizeBSON 将驱动返回的 BSON 容器类型转换为普通的 map 与 slice。
func normalizeBSON(value any) any {
	switch v := value.(type) {
	case primitive.M:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeBSON(item)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(v))
		for _, elem := range v {
			out[elem.Key] = normalizeBSON(elem.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeBSON(item)
		}
		return out
	case primitive.ObjectID:
		return v.Hex()
	default:
		return v
	}
}

var _ Store = (*MongoStore)(nil)
