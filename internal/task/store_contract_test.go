package task

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	xerrors "TaskSync/internal/errors"
	sqlstore "TaskSync/internal/storage/mysql"
)

// 数据库后端的用例需要真实服务，通过环境变量启用：
//
//	TASKSYNC_TEST_MONGO_URI=mongodb://localhost:27017
//	TASKSYNC_TEST_MYSQL_DSN=user:pass@tcp(localhost:3306)/tasksync?parseTime=true
const (
	envMongoURI = "TASKSYNC_TEST_MONGO_URI"
	envMySQLDSN = "TASKSYNC_TEST_MYSQL_DSN"
)

func findTask(t *testing.T, store Store, id string) (Task, bool) {
	t.Helper()
	tasks, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range tasks {
		if task.ID == id {
			return task, true
		}
	}
	return Task{}, false
}

// testStoreContract 校验所有 Store 实现共同遵守的行为。missingID 必须是
// 该后端可解析但不存在的 ID。
func testStoreContract(t *testing.T, store Store, missingID string) {
	ctx := context.Background()

	id, err := store.Insert(ctx, Fields{"title": "a", "done": false})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok := findTask(t, store, id)
	if !ok || got.Fields["title"] != "a" {
		t.Fatalf("inserted task not listed: %+v", got)
	}

	if err := store.Update(ctx, id, Fields{"done": true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = findTask(t, store, id)
	if got.Fields["title"] != "a" || got.Fields["done"] != true {
		t.Fatalf("update should merge: %+v", got.Fields)
	}

	// 内容未变化的更新仍然成功
	if err := store.Update(ctx, id, Fields{"done": true}); err != nil {
		t.Fatalf("unchanged update: %v", err)
	}

	err = store.Update(ctx, missingID, Fields{"done": true})
	if xerrors.CodeOf(err) != CodeTaskNotFound {
		t.Fatalf("update of missing task: expected %s, got %v", CodeTaskNotFound, err)
	}

	for i := 0; i < 2; i++ {
		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if _, ok := findTask(t, store, id); ok {
		t.Fatalf("deleted task still listed")
	}
	if err := store.Delete(ctx, missingID); err != nil {
		t.Fatalf("delete of missing task: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore(), "missing")
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv(envMongoURI)
	if uri == "" {
		t.Skipf("%s not set", envMongoURI)
	}
	ctx := context.Background()
	store, err := NewMongoStore(ctx, MongoConfig{
		URI:        uri,
		Database:   "tasksync_test",
		Collection: "tasks_" + uuid.NewString()[:8],
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = store.collection.Drop(context.Background())
		_ = store.Close()
	})

	testStoreContract(t, store, primitive.NewObjectID().Hex())
}

func TestMySQLStoreContract(t *testing.T) {
	dsn := os.Getenv(envMySQLDSN)
	if dsn == "" {
		t.Skipf("%s not set", envMySQLDSN)
	}
	ctx := context.Background()
	store, err := NewMySQLStore(ctx, sqlstore.Config{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// 重复迁移不应报错
	if err := sqlstore.Migrate(ctx, store.db); err != nil {
		t.Fatalf("re-run migrations: %v", err)
	}

	testStoreContract(t, store, uuid.NewString())
}
