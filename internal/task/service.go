package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"TaskSync/internal/broadcast"
	xerrors "TaskSync/internal/errors"
	"TaskSync/internal/observability/alerting"
	"TaskSync/internal/observability/metrics"
	"TaskSync/pkg/logger"
)

// Origin 标识变更来自哪个入口。
type Origin string

const (
	OriginREST     Origin = "rest"
	OriginRealtime Origin = "realtime"
)

// Publisher 负责把变更事件送达所有监听者。
type Publisher interface {
	Publish(ctx context.Context, event broadcast.Event) error
}

// Service 是 REST 与实时通道共享的变更路径：先写存储，再广播一次对应事件。
type Service struct {
	store     Store
	publisher Publisher
	alerts    alerting.Dispatcher
	timeout   time.Duration
	log       *slog.Logger
}

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithOpTimeout 为每次存储调用设置超时，0 表示不限制。
func WithOpTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerts = d
	}
}

// NewService 构造任务服务。
func NewService(store Store, publisher Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		publisher: publisher,
		log:       logger.Named("task"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List 返回全部任务。
func (s *Service) List(ctx context.Context) ([]Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	tasks, err := s.store.ListAll(opCtx)
	if err != nil {
		s.reportFailure(ctx, "list", "", "", err)
		return nil, err
	}
	return tasks, nil
}

// Add 插入新任务并广播 taskAdded。
func (s *Service) Add(ctx context.Context, origin Origin, fields Fields) (Task, error) {
	if err := s.ready(); err != nil {
		return Task{}, err
	}
	ctx = detach(ctx)
	if fields == nil {
		return Task{}, ErrMalformedTask
	}
	doc := fields.Clone().withoutID()

	opCtx, cancel := s.opContext(ctx)
	id, err := s.store.Insert(opCtx, doc)
	cancel()
	metrics.ObserveMutation(string(origin), "insert", err)
	if err != nil {
		s.reportFailure(ctx, "insert", origin, "", err)
		return Task{}, err
	}

	created := Task{ID: id, Fields: doc}
	logger.Audit().Info("任务已创建",
		slog.String("task_id", id),
		slog.String("origin", string(origin)),
		slog.Any("fields", doc.Keys()),
	)
	s.publish(ctx, origin, broadcast.KindAdded, id, created)
	return created, nil
}

// Update 将 patch 合并到已有任务并广播 taskUpdated。
func (s *Service) Update(ctx context.Context, origin Origin, id string, patch Fields) (Update, error) {
	if err := s.ready(); err != nil {
		return Update{}, err
	}
	ctx = detach(ctx)
	id = strings.TrimSpace(id)
	if id == "" {
		return Update{}, ErrMissingID
	}
	patch = patch.Clone().withoutID()
	if len(patch) == 0 {
		return Update{}, ErrEmptyUpdate
	}

	opCtx, cancel := s.opContext(ctx)
	err := s.store.Update(opCtx, id, patch)
	cancel()
	metrics.ObserveMutation(string(origin), "update", err)
	if err != nil {
		s.reportFailure(ctx, "update", origin, id, err)
		return Update{}, err
	}

	update := Update{ID: id, UpdatedData: patch}
	logger.Audit().Info("任务已更新",
		slog.String("task_id", id),
		slog.String("origin", string(origin)),
		slog.Any("fields", patch.Keys()),
	)
	s.publish(ctx, origin, broadcast.KindUpdated, id, update)
	return update, nil
}

// Delete 删除任务并广播 taskDeleted。对不存在的 ID 同样广播。
func (s *Service) Delete(ctx context.Context, origin Origin, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = detach(ctx)
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingID
	}

	opCtx, cancel := s.opContext(ctx)
	err := s.store.Delete(opCtx, id)
	cancel()
	metrics.ObserveMutation(string(origin), "delete", err)
	if err != nil {
		s.reportFailure(ctx, "delete", origin, id, err)
		return err
	}

	logger.Audit().Info("任务已删除",
		slog.String("task_id", id),
		slog.String("origin", string(origin)),
	)
	s.publish(ctx, origin, broadcast.KindDeleted, id, id)
	return nil
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.publisher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return nil
}

// detach 让已开始的变更执行到底：调用方断开不会中止写入，也不会丢掉随后的广播。
// 超时仍由 WithOpTimeout 控制。
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// publish 广播失败不会回滚已提交的写入，仅记录并告警。
func (s *Service) publish(ctx context.Context, origin Origin, kind broadcast.Kind, id string, payload any) {
	event, err := broadcast.NewEvent(kind, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err == nil {
		return
	}
	wrapped := xerrors.Wrap(xerrors.CodeBroadcastFailure, err, "广播任务变更失败",
		xerrors.WithMetadata("event", string(kind)))
	s.log.Error("广播任务变更失败",
		slog.String("event", string(kind)),
		slog.String("task_id", id),
		slog.Any("error", err),
	)
	s.notify(ctx, string(kind), origin, id, wrapped)
}

func (s *Service) reportFailure(ctx context.Context, op string, origin Origin, id string, err error) {
	if !xerrors.ShouldAlert(err) {
		s.log.Debug("任务操作被拒绝",
			slog.String("operation", op),
			slog.String("task_id", id),
			slog.String("code", string(xerrors.CodeOf(err))),
		)
		return
	}
	s.log.Error("任务操作失败",
		slog.String("operation", op),
		slog.String("origin", string(origin)),
		slog.String("task_id", id),
		slog.Any("error", err),
	)
	s.notify(ctx, op, origin, id, err)
}

func (s *Service) notify(ctx context.Context, op string, origin Origin, id string, err error) {
	if s.alerts == nil {
		return
	}
	if alertErr := s.alerts.Notify(ctx, alerting.FromError(err, op, string(origin), id)); alertErr != nil {
		s.log.Warn("发送告警失败", slog.Any("error", alertErr))
	}
}
