package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	xerrors "ContractRelay/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ExecuteRequest 描述交易和只读调用共用的请求体。
type ExecuteRequest struct {
	Account  string `json:"account,omitempty"`
	Contract string `json:"contract"`
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.requestTimeout)
}

func (s *Server) handleExecuteTransaction(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.directory.ResolveOrDefault(req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.limiter.Allow(session.Name(), time.Now()) {
		s.writeError(w, r, xerrors.Newf(CodeRateLimited, "account %s exceeded its submission rate", session.Name()))
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := session.ExecuteTransaction(ctx, req.Contract, req.Function, req.Args, s.onMined)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecuteCall(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.directory.ResolveOrDefault(req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	result, err := session.ExecuteCall(ctx, req.Contract, req.Function, req.Args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransactionReceipt(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if !txHashPattern.MatchString(hash) {
		s.writeError(w, r, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid transaction hash %q", hash))
		return
	}
	chain := r.URL.Query().Get("chain")
	client, ok := s.chains.Client(chain)
	if !ok {
		s.writeError(w, r, xerrors.Newf(xerrors.CodeInvalidArgument, "chain %s is not configured", chain))
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, gethcore.NotFound) {
		s.writeError(w, r, xerrors.Newf(xerrors.CodeNotFound, "transaction %s is not known to the node", hash))
		return
	}
	if err != nil {
		s.writeError(w, r, xerrors.Categorize(err, xerrors.CodeNodeFailure, "fetch transaction receipt"))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "submission journal is disabled"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	records, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, xerrors.Categorize(err, xerrors.CodeStorageFailure, "list submissions"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": records})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "submission journal is disabled"))
		return
	}
	id := r.PathValue("id")
	record, err := s.journal.Get(r.Context(), id)
	if err != nil && txHashPattern.MatchString(id) {
		record, err = s.journal.GetByHash(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, xerrors.Categorize(err, xerrors.CodeStorageFailure, "get submission"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// HealthResponse 汇总各条链的状态。
type HealthResponse struct {
	Status string            `json:"status"`
	Chains any               `json:"chains"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snapshots, failures := s.chains.Snapshots(ctx)
	resp := HealthResponse{Status: "ok", Chains: snapshots}
	status := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "degraded"
		resp.Errors = make(map[string]string, len(failures))
		for chain, err := range failures {
			resp.Errors[chain] = xerrors.MessageOf(err)
		}
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
