// Package handler exposes pool governance over HTTP. It delegates to the
// pool service and keeps transport concerns out of domain logic.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"vestra/internal/platform/metrics"
	"vestra/internal/platform/middleware"
	"vestra/internal/pool/models"
	"vestra/internal/pool/service"
	"vestra/internal/transport/http/shared"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// Service defines the pool operations the HTTP layer needs.
type Service interface {
	CreatePool(ctx context.Context, spec models.PoolSpec) (*models.InvestmentPool, error)
	GetPool(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error)
	ListPools(ctx context.Context) ([]*models.InvestmentPool, error)
	AddMember(ctx context.Context, poolID id.PoolID, userID id.UserID, role models.MemberRole, committed decimal.Decimal) (*models.PoolMember, error)
	ListMembers(ctx context.Context, poolID id.PoolID) ([]*models.PoolMember, error)
	Activate(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error)
	Close(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error)
	Cancel(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error)
	Propose(ctx context.Context, poolID id.PoolID, opportunityID id.OpportunityID, amount decimal.Decimal, notes string) (*models.PoolInvestment, error)
	GetInvestment(ctx context.Context, investmentID id.InvestmentID) (*models.PoolInvestment, error)
	ListInvestments(ctx context.Context, poolID id.PoolID) ([]*models.PoolInvestment, error)
	Vote(ctx context.Context, investmentID id.InvestmentID, voteType models.VoteType) (*models.PoolInvestment, *models.Tally, error)
	GetTally(ctx context.Context, investmentID id.InvestmentID) (*models.Tally, error)
	ListVotes(ctx context.Context, investmentID id.InvestmentID) ([]*models.PoolVote, error)
	ForceResolve(ctx context.Context, investmentID id.InvestmentID, outcome models.InvestmentStatus) (*models.PoolInvestment, error)
	ExecuteInvestment(ctx context.Context, investmentID id.InvestmentID, recipientID id.UserID) (*models.PoolInvestment, error)
}

// StatsProvider serves the cached pool aggregate.
type StatsProvider interface {
	PoolStats(ctx context.Context, poolID id.PoolID) (*service.PoolStats, error)
}

// Handler handles pool endpoints.
type Handler struct {
	logger       *slog.Logger
	pools        Service
	stats        StatsProvider
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new pool Handler.
func New(
	pools Service,
	stats StatsProvider,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		pools:        pools,
		stats:        stats,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the pool routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	poolRouter := chi.NewRouter()
	poolRouter.Use(middleware.Recovery(h.logger))
	poolRouter.Use(middleware.RequestID)
	poolRouter.Use(middleware.RequestTime)
	poolRouter.Use(middleware.Logger(h.logger))
	poolRouter.Use(middleware.Timeout(30 * time.Second))
	poolRouter.Use(middleware.ContentTypeJSON)
	poolRouter.Use(middleware.LatencyMiddleware(h.metrics))
	poolRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	poolRouter.Post("/pools", h.handleCreatePool)
	poolRouter.Get("/pools", h.handleListPools)
	poolRouter.Get("/pools/{poolID}", h.handleGetPool)
	poolRouter.Post("/pools/{poolID}/members", h.handleAddMember)
	poolRouter.Get("/pools/{poolID}/members", h.handleListMembers)
	poolRouter.Post("/pools/{poolID}/activate", h.handleActivate)
	poolRouter.Post("/pools/{poolID}/close", h.handleClose)
	poolRouter.Post("/pools/{poolID}/cancel", h.handleCancelPool)
	poolRouter.Get("/pools/{poolID}/stats", h.handlePoolStats)
	poolRouter.Post("/pools/{poolID}/investments", h.handlePropose)
	poolRouter.Get("/pools/{poolID}/investments", h.handleListInvestments)
	poolRouter.Get("/investments/{investmentID}", h.handleGetInvestment)
	poolRouter.Post("/investments/{investmentID}/votes", h.handleVote)
	poolRouter.Get("/investments/{investmentID}/votes", h.handleListVotes)
	poolRouter.Get("/investments/{investmentID}/tally", h.handleGetTally)
	poolRouter.Post("/investments/{investmentID}/execute", h.handleExecute)

	// Administrative override for stalled votes.
	poolRouter.With(middleware.RequireAdmin(h.logger)).
		Post("/investments/{investmentID}/resolve", h.handleForceResolve)

	r.Mount("/", poolRouter)
}

func (h *Handler) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	spec, err := req.spec()
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	pool, err := h.pools.CreatePool(ctx, spec)
	if err != nil {
		h.logError(ctx, "failed to create pool", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, pool)
}

func (h *Handler) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.ListPools(r.Context())
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, pools)
}

func (h *Handler) handleGetPool(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	pool, err := h.pools.GetPool(r.Context(), poolID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, pool)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	userID, err := id.ParseUserID(req.UserID)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid user id"))
		return
	}
	role, err := models.ParseMemberRole(req.Role)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	member, err := h.pools.AddMember(ctx, poolID, userID, role, req.CommittedAmount)
	if err != nil {
		h.logError(ctx, "failed to add pool member", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, member)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	members, err := h.pools.ListMembers(r.Context(), poolID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, members)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.pools.Activate)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.pools.Close)
}

func (h *Handler) handleCancelPool(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.pools.Cancel)
}

func (h *Handler) handleTransition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error),
) {
	ctx := r.Context()
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	pool, err := op(ctx, poolID)
	if err != nil {
		h.logError(ctx, "failed to transition pool", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, pool)
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	stats, err := h.stats.PoolStats(ctx, poolID)
	if err != nil {
		h.logError(ctx, "failed to compute pool stats", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	opportunityID, err := id.ParseOpportunityID(req.OpportunityID)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid opportunity id"))
		return
	}
	investment, err := h.pools.Propose(ctx, poolID, opportunityID, req.Amount, req.Notes)
	if err != nil {
		h.logError(ctx, "failed to create investment proposal", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, investment)
}

func (h *Handler) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolID(w, r)
	if !ok {
		return
	}
	investments, err := h.pools.ListInvestments(r.Context(), poolID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, investments)
}

func (h *Handler) handleGetInvestment(w http.ResponseWriter, r *http.Request) {
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	investment, err := h.pools.GetInvestment(r.Context(), investmentID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, investment)
}

// voteResponse carries the proposal state alongside the tally the decision
// was made on.
type voteResponse struct {
	Investment *models.PoolInvestment `json:"investment"`
	Tally      *models.Tally          `json:"tally"`
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	voteType, err := models.ParseVoteType(req.Vote)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	investment, tally, err := h.pools.Vote(ctx, investmentID, voteType)
	if err != nil {
		h.logError(ctx, "failed to cast vote", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, voteResponse{Investment: investment, Tally: tally})
}

func (h *Handler) handleListVotes(w http.ResponseWriter, r *http.Request) {
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	votes, err := h.pools.ListVotes(r.Context(), investmentID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, votes)
}

func (h *Handler) handleGetTally(w http.ResponseWriter, r *http.Request) {
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	tally, err := h.pools.GetTally(r.Context(), investmentID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, tally)
}

func (h *Handler) handleForceResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	outcome := models.InvestmentStatus(req.Outcome)
	investment, err := h.pools.ForceResolve(ctx, investmentID, outcome)
	if err != nil {
		h.logError(ctx, "failed to force-resolve investment", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, investment)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	investmentID, ok := h.investmentID(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	recipientID, err := id.ParseUserID(req.RecipientID)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid recipient id"))
		return
	}
	investment, err := h.pools.ExecuteInvestment(ctx, investmentID, recipientID)
	if err != nil {
		h.logError(ctx, "failed to execute investment", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, investment)
}

func (h *Handler) poolID(w http.ResponseWriter, r *http.Request) (id.PoolID, bool) {
	poolID, err := id.ParsePoolID(chi.URLParam(r, "poolID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid pool id"))
		return id.PoolID{}, false
	}
	return poolID, true
}

func (h *Handler) investmentID(w http.ResponseWriter, r *http.Request) (id.InvestmentID, bool) {
	investmentID, err := id.ParseInvestmentID(chi.URLParam(r, "investmentID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid investment id"))
		return id.InvestmentID{}, false
	}
	return investmentID, true
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		return
	}
	h.logger.WarnContext(ctx, msg,
		"error", err,
		"request_id", middleware.GetRequestID(ctx),
	)
}
