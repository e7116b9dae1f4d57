package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"TaskSync/internal/task"
	"TaskSync/pkg/logger"
)

// TaskService 是 REST 网关依赖的任务服务。
type TaskService interface {
	List(ctx context.Context) ([]task.Task, error)
	Add(ctx context.Context, origin task.Origin, fields task.Fields) (task.Task, error)
	Update(ctx context.Context, origin task.Origin, id string, patch task.Fields) (task.Update, error)
	Delete(ctx context.Context, origin task.Origin, id string) error
}

// Options 控制 HTTP 服务。
type Options struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	// RealtimePath 为空时不挂载 websocket 网关。
	RealtimePath string
	// MaxBodyBytes 限制请求体大小。
	MaxBodyBytes int64
}

// Server 负责暴露 REST 接口，并在同一端口挂载实时网关。
type Server struct {
	opts     Options
	tasks    TaskService
	realtime http.Handler
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。realtime 可以为 nil。
func NewServer(opts Options, tasks TaskService, realtime http.Handler) *Server {
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if tasks == nil {
		// nil *task.Service 的方法统一返回 INITIALIZATION_FAILURE
		tasks = (*task.Service)(nil)
	}
	return &Server{opts: opts, tasks: tasks, realtime: realtime, log: logger.Named("api")}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("address", s.opts.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由，测试中可直接使用。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(observe)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.handleRoot)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/metrics").Handler(metricsHandler())
	r.Methods(http.MethodGet).Path("/tasks").HandlerFunc(s.handleListTasks)
	r.Methods(http.MethodPost).Path("/task").HandlerFunc(s.handleCreateTask)
	r.Methods(http.MethodPatch).Path("/task/{id}").HandlerFunc(s.handleUpdateTask)
	r.Methods(http.MethodDelete).Path("/task/{id}").HandlerFunc(s.handleDeleteTask)
	if s.realtime != nil && s.opts.RealtimePath != "" {
		r.Methods(http.MethodGet).Path(s.opts.RealtimePath).Handler(s.realtime)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, errRouteNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, errMethodNotAllowed)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, errShuttingDown)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
