package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ContractRelay/internal/account"
	"ContractRelay/internal/journal"
	"ContractRelay/internal/observability/metrics"
	"ContractRelay/internal/ratelimit"
	"ContractRelay/internal/web3"
	"ContractRelay/pkg/logger"
)

// Chains 提供节点客户端和健康检查所需的链快照。
type Chains interface {
	Client(name string) (web3.Client, bool)
	Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error)
}

// Server 负责暴露 REST 接口，供外部提交交易和查询状态。
type Server struct {
	addr           string
	directory      *account.Directory
	chains         Chains
	journal        journal.Store
	limiter        *ratelimit.MapLimiter
	onMined        account.MinedFunc
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithJournal 启用提交日志查询接口。
func WithJournal(store journal.Store) Option {
	return func(s *Server) { s.journal = store }
}

// WithRateLimiter 按账户限制交易提交速率。
func WithRateLimiter(limiter *ratelimit.MapLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithMinedHandler 设置交易到达终态时的回调。
func WithMinedHandler(fn account.MinedFunc) Option {
	return func(s *Server) { s.onMined = fn }
}

// WithRequestTimeout 限制单个请求的处理时间，包括等待交易上链。
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, directory *account.Directory, chains Chains, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		directory:      directory,
		chains:         chains,
		requestTimeout: 2 * time.Minute,
		logger:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由和中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/accounts", s.handleRegisterAccount)
	mux.HandleFunc("GET /api/v1/accounts", s.handleListAccounts)
	mux.HandleFunc("GET /api/v1/accounts/{name}", s.handleGetAccount)
	mux.HandleFunc("POST /api/v1/contracts", s.handleAddContract)
	mux.HandleFunc("GET /api/v1/contracts", s.handleListContracts)
	mux.HandleFunc("GET /api/v1/contracts/{name}", s.handleGetContract)
	mux.HandleFunc("POST /api/v1/transactions", s.handleExecuteTransaction)
	mux.HandleFunc("GET /api/v1/transactions/{hash}", s.handleTransactionReceipt)
	mux.HandleFunc("POST /api/v1/calls", s.handleExecuteCall)
	mux.HandleFunc("GET /api/v1/submissions", s.handleListSubmissions)
	mux.HandleFunc("GET /api/v1/submissions/{id}", s.handleGetSubmission)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 按路由模板记录请求指标。
func instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		pattern := r.Pattern
		if _, path, ok := strings.Cut(pattern, " "); ok {
			pattern = path
		}
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}
