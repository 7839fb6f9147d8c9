package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"TokenLaunch-Orchestrator/internal/agent"
	"TokenLaunch-Orchestrator/internal/distribution"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/observability/metrics"
	"TokenLaunch-Orchestrator/internal/reconcile"
	"TokenLaunch-Orchestrator/internal/task"
	"TokenLaunch-Orchestrator/pkg/logger"
)

// PrincipalHeader 携带发起请求的主体，由上游网关完成认证后注入。
const PrincipalHeader = "X-Principal"

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

// Options 控制 HTTP 服务的监听参数。
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server 暴露发行任务的 REST 接口。
type Server struct {
	opts         Options
	distribution *distribution.Service
	tasks        *task.Service
	agents       agent.Repository
	checker      *reconcile.SuccessChecker
	logger       *slog.Logger
}

// NewServer 构造 API 服务实例。checker 为 nil 时不提供募集结果查询。
func NewServer(opts Options, dist *distribution.Service, tasks *task.Service, agents agent.Repository, checker *reconcile.SuccessChecker) *Server {
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		opts:         opts,
		distribution: dist,
		tasks:        tasks,
		agents:       agents,
		checker:      checker,
		logger:       logger.Named("api"),
	}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/{id}/add-liquidity", s.handleAddLiquidity)
	mux.HandleFunc("POST /agents/{id}/burn-tokens", s.handleBurnTokens)
	mux.HandleFunc("POST /agents/{id}/transfer-ownership", s.handleTransferOwnership)
	mux.HandleFunc("POST /agents/{id}/deploy-mining", s.handleDeployMining)
	mux.HandleFunc("POST /agents/{id}/deploy-payment", s.handleDeployPayment)
	mux.HandleFunc("POST /agents/{id}/burn-xaa-nft", s.handleBurnXAAAndNFT)
	mux.HandleFunc("GET /agents/{id}/tasks/{taskId}", s.handleTaskDetail)
	mux.HandleFunc("GET /agents/{id}/iao-success", s.handleIAOSuccess)
	mux.HandleFunc("GET /agents/{id}/iao-history", s.handleIAOHistory)

	mux.HandleFunc("POST /token/distribute", s.handleDistribute)
	mux.HandleFunc("GET /token/distribute", s.handleDistributionView)
	mux.HandleFunc("PATCH /token/distribute", s.handleRetryDistribution)

	mux.HandleFunc("GET /tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("address", s.opts.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req distribution.LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.distribution.AddLiquidity(r.Context(), r.PathValue("id"), req, principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleBurnTokens(w http.ResponseWriter, r *http.Request) {
	var req distribution.BurnRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.distribution.BurnTokens(r.Context(), r.PathValue("id"), req, principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req distribution.OwnershipRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.distribution.TransferOwnership(r.Context(), r.PathValue("id"), req, principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleDeployMining(w http.ResponseWriter, r *http.Request) {
	t, err := s.distribution.DeployMining(r.Context(), r.PathValue("id"), principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleDeployPayment(w http.ResponseWriter, r *http.Request) {
	t, err := s.distribution.DeployPayment(r.Context(), r.PathValue("id"), principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleBurnXAAAndNFT(w http.ResponseWriter, r *http.Request) {
	var req distribution.BurnXAARequest
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := s.distribution.BurnXAAAndNFT(r.Context(), r.PathValue("id"), req, principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distribution.DistributeRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.distribution.Distribute(r.Context(), req, principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleDistributionView(w http.ResponseWriter, r *http.Request) {
	view, err := s.distribution.DistributionView(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type retryRequest struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

func (s *Server) handleRetryDistribution(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "taskId is required"))
		return
	}
	t, err := s.distribution.RetryFailed(r.Context(), strings.TrimSpace(req.TaskID), strings.TrimSpace(req.AgentID), principal(r))
	s.accepted(w, t, err)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetForAgent(r.Context(), r.PathValue("id"), r.PathValue("taskId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleIAOSuccess(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "募集结果查询未启用"))
		return
	}
	result, err := s.checker.CheckByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIAOHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.agents.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.agents.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": id, "changes": history})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	var opts []task.ListOption
	query := r.URL.Query()
	if agentID := strings.TrimSpace(query.Get("agentId")); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		taskType := task.Type(strings.ToUpper(raw))
		if !task.IsValidType(taskType) {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "unknown task type "+raw))
			return
		}
		opts = append(opts, task.WithTypes(taskType))
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type acceptedResponse struct {
	TaskID string `json:"taskId"`
}

// accepted 以 202 返回新任务的 ID。
func (s *Server) accepted(w http.ResponseWriter, t *task.Task, err error) {
	if err != nil {
		s.writeError(w, nil, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{TaskID: t.ID})
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		attrs := []any{slog.Any("error", err), slog.String("code", string(code))}
		if r != nil {
			attrs = append(attrs, slog.String("path", r.URL.Path))
		}
		s.logger.Error("请求处理失败", attrs...)
	}
	writeJSON(w, status, errorResponse{Error: xerrors.MessageOf(err), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func principal(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(PrincipalHeader))
}

// decode 解析 JSON 请求体，失败时直接写入 400。
func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "请求体解析失败: " + err.Error(),
			Code:  xerrors.CodeInvalidArgument,
		})
		return false
	}
	return true
}

// decodeOptional 与 decode 相同，但允许空请求体。
func decodeOptional(w http.ResponseWriter, r *http.Request, out any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(out)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: "请求体解析失败: " + err.Error(),
		Code:  xerrors.CodeInvalidArgument,
	})
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
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
