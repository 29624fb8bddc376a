// Package handler exposes the escrow ledger over HTTP. It delegates to the
// escrow service and keeps transport concerns out of domain logic.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"vestra/internal/escrow/models"
	"vestra/internal/escrow/service"
	"vestra/internal/platform/metrics"
	"vestra/internal/platform/middleware"
	"vestra/internal/transport/http/shared"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/requestcontext"
)

// Service defines the escrow operations the HTTP layer needs.
type Service interface {
	CreateAccount(ctx context.Context, accountType models.AccountType, currency string, parties []id.UserID) (*models.EscrowAccount, error)
	GetAccount(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error)
	Fund(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference, description string) (*models.EscrowTransaction, error)
	Release(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, recipientID id.UserID, reason string, override bool) (*models.EscrowTransaction, error)
	Refund(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference string) (*models.EscrowTransaction, error)
	Fee(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference string) (*models.EscrowTransaction, error)
	Hold(ctx context.Context, accountID id.AccountID, amount decimal.Decimal) (*models.EscrowAccount, error)
	ReleaseHold(ctx context.Context, accountID id.AccountID, amount decimal.Decimal) (*models.EscrowAccount, error)
	Dispute(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error)
	Cancel(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error)
	GetBalance(ctx context.Context, accountID id.AccountID) (*service.Balance, error)
	ListTransactions(ctx context.Context, accountID id.AccountID) ([]*models.EscrowTransaction, error)
	AddCondition(ctx context.Context, accountID id.AccountID, conditionType models.ConditionType, description string, dueDate *time.Time) (*models.ReleaseCondition, error)
	MarkConditionMet(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error)
	ListConditions(ctx context.Context, accountID id.AccountID) ([]*service.ConditionView, error)
	GetCondition(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error)
}

// StatsProvider serves the cached escrow aggregate.
type StatsProvider interface {
	EscrowStats(ctx context.Context, userID id.UserID, role string) (*service.Stats, error)
}

// Handler handles escrow endpoints.
type Handler struct {
	logger       *slog.Logger
	escrow       Service
	stats        StatsProvider
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new escrow Handler.
func New(
	escrow Service,
	stats StatsProvider,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		escrow:       escrow,
		stats:        stats,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the escrow routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	escrowRouter := chi.NewRouter()
	escrowRouter.Use(middleware.Recovery(h.logger))
	escrowRouter.Use(middleware.RequestID)
	escrowRouter.Use(middleware.RequestTime)
	escrowRouter.Use(middleware.Logger(h.logger))
	escrowRouter.Use(middleware.Timeout(30 * time.Second))
	escrowRouter.Use(middleware.ContentTypeJSON)
	escrowRouter.Use(middleware.LatencyMiddleware(h.metrics))
	escrowRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	escrowRouter.Post("/accounts", h.handleCreateAccount)
	escrowRouter.Get("/accounts/{accountID}", h.handleGetAccount)
	escrowRouter.Post("/accounts/{accountID}/fund", h.handleFund)
	escrowRouter.Post("/accounts/{accountID}/release", h.handleRelease)
	escrowRouter.Post("/accounts/{accountID}/refund", h.handleRefund)
	escrowRouter.Post("/accounts/{accountID}/fee", h.handleFee)
	escrowRouter.Post("/accounts/{accountID}/hold", h.handleHold)
	escrowRouter.Post("/accounts/{accountID}/hold/release", h.handleReleaseHold)
	escrowRouter.Post("/accounts/{accountID}/dispute", h.handleDispute)
	escrowRouter.Post("/accounts/{accountID}/cancel", h.handleCancel)
	escrowRouter.Get("/accounts/{accountID}/balance", h.handleGetBalance)
	escrowRouter.Get("/accounts/{accountID}/transactions", h.handleListTransactions)
	escrowRouter.Post("/accounts/{accountID}/conditions", h.handleAddCondition)
	escrowRouter.Get("/accounts/{accountID}/conditions", h.handleListConditions)
	escrowRouter.Get("/conditions/{conditionID}", h.handleGetCondition)
	escrowRouter.Post("/conditions/{conditionID}/met", h.handleMarkConditionMet)
	escrowRouter.Get("/stats", h.handleStats)

	r.Mount("/escrow", escrowRouter)
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	accountType, err := models.ParseAccountType(req.Type)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	parties := make([]id.UserID, 0, len(req.Parties))
	for _, p := range req.Parties {
		userID, err := id.ParseUserID(p)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid party id"))
			return
		}
		parties = append(parties, userID)
	}

	account, err := h.escrow.CreateAccount(ctx, accountType, req.Currency, parties)
	if err != nil {
		h.logError(ctx, "failed to create escrow account", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	account, err := h.escrow.GetAccount(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, account)
}

func (h *Handler) handleFund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	entry, err := h.escrow.Fund(ctx, accountID, req.Amount, req.Reference, req.Description)
	if err != nil {
		h.logError(ctx, "failed to fund escrow account", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	recipientID, err := id.ParseUserID(req.RecipientID)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid recipient id"))
		return
	}
	// Only admins may override the condition gate.
	override := req.Override && requestcontext.UserRole(ctx) == "admin"

	entry, err := h.escrow.Release(ctx, accountID, req.Amount, recipientID, req.Reason, override)
	if err != nil {
		h.logError(ctx, "failed to release escrow funds", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	h.handleDebit(w, r, h.escrow.Refund)
}

func (h *Handler) handleFee(w http.ResponseWriter, r *http.Request) {
	h.handleDebit(w, r, h.escrow.Fee)
}

func (h *Handler) handleDebit(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference string) (*models.EscrowTransaction, error),
) {
	ctx := r.Context()
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req debitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	entry, err := op(ctx, accountID, req.Amount, req.Reference)
	if err != nil {
		h.logError(ctx, "failed to debit escrow account", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleHold(w http.ResponseWriter, r *http.Request) {
	h.handleHoldOp(w, r, h.escrow.Hold)
}

func (h *Handler) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	h.handleHoldOp(w, r, h.escrow.ReleaseHold)
}

func (h *Handler) handleHoldOp(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, accountID id.AccountID, amount decimal.Decimal) (*models.EscrowAccount, error),
) {
	ctx := r.Context()
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	account, err := op(ctx, accountID, req.Amount)
	if err != nil {
		h.logError(ctx, "failed to adjust escrow hold", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, account)
}

func (h *Handler) handleDispute(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	account, err := h.escrow.Dispute(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, account)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	account, err := h.escrow.Cancel(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, account)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	balance, err := h.escrow.GetBalance(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, balance)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	entries, err := h.escrow.ListTransactions(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	var req addConditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	conditionType, err := models.ParseConditionType(req.ConditionType)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	condition, err := h.escrow.AddCondition(ctx, accountID, conditionType, req.Description, req.DueDate)
	if err != nil {
		h.logError(ctx, "failed to add release condition", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, condition)
}

func (h *Handler) handleListConditions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	conditions, err := h.escrow.ListConditions(r.Context(), accountID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, conditions)
}

func (h *Handler) handleGetCondition(w http.ResponseWriter, r *http.Request) {
	conditionID, ok := h.conditionID(w, r)
	if !ok {
		return
	}
	condition, err := h.escrow.GetCondition(r.Context(), conditionID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, condition)
}

func (h *Handler) handleMarkConditionMet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conditionID, ok := h.conditionID(w, r)
	if !ok {
		return
	}
	condition, err := h.escrow.MarkConditionMet(ctx, conditionID)
	if err != nil {
		h.logError(ctx, "failed to mark condition met", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, condition)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.stats.EscrowStats(ctx, requestcontext.UserID(ctx), requestcontext.UserRole(ctx))
	if err != nil {
		h.logError(ctx, "failed to compute escrow stats", err)
		shared.WriteError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, stats)
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (id.AccountID, bool) {
	accountID, err := id.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid account id"))
		return id.AccountID{}, false
	}
	return accountID, true
}

func (h *Handler) conditionID(w http.ResponseWriter, r *http.Request) (id.ConditionID, bool) {
	conditionID, err := id.ParseConditionID(chi.URLParam(r, "conditionID"))
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid condition id"))
		return id.ConditionID{}, false
	}
	return conditionID, true
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
