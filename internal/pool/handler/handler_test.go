package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	escrowservice "vestra/internal/escrow/service"
	"vestra/internal/escrow/store/ledger"
	"vestra/internal/jwttoken"
	"vestra/internal/pool/models"
	poolservice "vestra/internal/pool/service"
	"vestra/internal/pool/store/registry"
	"vestra/internal/stats"
	id "vestra/pkg/domain"
	"vestra/pkg/requestcontext"
)

// Handler tests validate HTTP concerns: auth, parsing, the admin gate on
// forced resolution, and error-to-status mapping. Tally arithmetic lives in
// the service and model suites.

type HandlerSuite struct {
	suite.Suite
	router  http.Handler
	service *poolservice.Service
	escrow  *escrowservice.Service
	jwt     *jwttoken.JWTService
	creator id.UserID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	var err error
	s.escrow, err = escrowservice.New(ledger.NewInMemory())
	s.Require().NoError(err)
	s.service, err = poolservice.New(registry.NewInMemory(), s.escrow)
	s.Require().NoError(err)
	statsSvc := stats.New(s.escrow, s.service, nil, time.Minute, logger)

	s.jwt = jwttoken.NewJWTService("test-signing-key", "vestra", "vestra-api")
	s.creator = id.NewUserID()

	h := New(s.service, statsSvc, logger, nil, s.jwt)
	r := chi.NewRouter()
	h.Register(r)
	s.router = r
}

func (s *HandlerSuite) token(userID id.UserID, role string) string {
	token, err := s.jwt.GenerateAccessToken(userID, role, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *HandlerSuite) do(method, path, token string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		s.Require().NoError(json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder, out any) {
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(out))
}

func (s *HandlerSuite) as(userID id.UserID) context.Context {
	return requestcontext.WithUserID(context.Background(), userID)
}

// activePool seeds a majority-vote pool through the service with the creator
// committed at 300 and a second investor at 200, activated and fully funded.
func (s *HandlerSuite) activePool() (*models.InvestmentPool, id.UserID) {
	ctx := s.as(s.creator)
	pool, err := s.service.CreatePool(ctx, models.PoolSpec{
		Name:                "Seed Syndicate",
		Description:         "Early-stage deals",
		Type:                models.PoolTypeSyndicate,
		Currency:            "USD",
		TargetAmount:        decimal.NewFromInt(1000),
		MinimumInvestment:   decimal.NewFromInt(10),
		MaximumInvestment:   decimal.NewFromInt(500),
		MaxMembers:          10,
		RiskProfile:         models.RiskProfileModerate,
		RequireMajorityVote: true,
	})
	s.Require().NoError(err)

	second := id.NewUserID()
	_, err = s.service.AddMember(ctx, pool.ID, s.creator, models.MemberRoleInvestor, decimal.NewFromInt(300))
	s.Require().NoError(err)
	_, err = s.service.AddMember(ctx, pool.ID, second, models.MemberRoleInvestor, decimal.NewFromInt(200))
	s.Require().NoError(err)
	_, err = s.service.Activate(ctx, pool.ID)
	s.Require().NoError(err)
	_, err = s.escrow.Fund(ctx, pool.EscrowAccountID, decimal.NewFromInt(500), "capital call", "")
	s.Require().NoError(err)
	return pool, second
}

// openProposal puts a proposal into the voting state on an active pool.
func (s *HandlerSuite) openProposal() (*models.InvestmentPool, *models.PoolInvestment, id.UserID) {
	pool, second := s.activePool()
	investment, err := s.service.Propose(s.as(s.creator), pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "series A")
	s.Require().NoError(err)
	s.Require().Equal(models.InvestmentStatusVoting, investment.Status)
	return pool, investment, second
}

func (s *HandlerSuite) TestAuth() {
	s.Run("missing authorization header", func() {
		req := httptest.NewRequest(http.MethodGet, "/pools", nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("garbage token", func() {
		rec := s.do(http.MethodGet, "/pools", "not-a-jwt", nil)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})
}

func (s *HandlerSuite) TestCreatePool() {
	s.Run("valid request", func() {
		rec := s.do(http.MethodPost, "/pools", s.token(s.creator, "user"), createPoolRequest{
			Name:                "Angel Collective",
			Type:                "angel_group",
			Currency:            "USD",
			TargetAmount:        decimal.NewFromInt(5000),
			MinimumInvestment:   decimal.NewFromInt(100),
			MaximumInvestment:   decimal.NewFromInt(2000),
			MaxMembers:          25,
			RiskProfile:         "aggressive",
			RequireMajorityVote: true,
		})
		s.Require().Equal(http.StatusCreated, rec.Code)

		var pool models.InvestmentPool
		s.decode(rec, &pool)
		s.Equal(models.PoolStatusForming, pool.Status)
		s.False(pool.EscrowAccountID.IsNil())
	})

	s.Run("invalid json", func() {
		req := httptest.NewRequest(http.MethodPost, "/pools",
			bytes.NewReader([]byte("not valid json")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.token(s.creator, "user"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown pool type", func() {
		rec := s.do(http.MethodPost, "/pools", s.token(s.creator, "user"), createPoolRequest{
			Name:         "Mystery",
			Type:         "pyramid",
			Currency:     "USD",
			TargetAmount: decimal.NewFromInt(5000),
			RiskProfile:  "moderate",
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestGetPool() {
	s.Run("unknown pool", func() {
		rec := s.do(http.MethodGet, "/pools/"+id.NewPoolID().String(), s.token(s.creator, "user"), nil)
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("malformed pool id", func() {
		rec := s.do(http.MethodGet, "/pools/xyz", s.token(s.creator, "user"), nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestAddMember() {
	pool, _ := s.activePool()
	token := s.token(s.creator, "user")

	s.Run("admits a new investor", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/members", token, addMemberRequest{
			UserID:          id.NewUserID().String(),
			Role:            "investor",
			CommittedAmount: decimal.NewFromInt(50),
		})
		s.Require().Equal(http.StatusCreated, rec.Code)

		var member models.PoolMember
		s.decode(rec, &member)
		s.Equal(models.MemberRoleInvestor, member.Role)
	})

	s.Run("duplicate membership conflicts", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/members", token, addMemberRequest{
			UserID:          s.creator.String(),
			Role:            "investor",
			CommittedAmount: decimal.NewFromInt(50),
		})
		s.Equal(http.StatusConflict, rec.Code)
	})

	s.Run("malformed user id", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/members", token, addMemberRequest{
			UserID: "somebody",
			Role:   "investor",
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("unknown role", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/members", token, addMemberRequest{
			UserID: id.NewUserID().String(),
			Role:   "chairman",
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestPropose() {
	pool, _ := s.activePool()

	s.Run("member proposal opens voting", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/investments", s.token(s.creator, "user"), proposeRequest{
			OpportunityID: id.NewOpportunityID().String(),
			Amount:        decimal.NewFromInt(100),
			Notes:         "series A",
		})
		s.Require().Equal(http.StatusCreated, rec.Code)

		var investment models.PoolInvestment
		s.decode(rec, &investment)
		s.Equal(models.InvestmentStatusVoting, investment.Status)
	})

	s.Run("non-member is forbidden", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/investments", s.token(id.NewUserID(), "user"), proposeRequest{
			OpportunityID: id.NewOpportunityID().String(),
			Amount:        decimal.NewFromInt(100),
		})
		s.Equal(http.StatusForbidden, rec.Code)
	})

	s.Run("malformed opportunity id", func() {
		rec := s.do(http.MethodPost, "/pools/"+pool.ID.String()+"/investments", s.token(s.creator, "user"), proposeRequest{
			OpportunityID: "deal-7",
			Amount:        decimal.NewFromInt(100),
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestVote() {
	s.Run("majority weight approves", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(s.creator, "user"), voteRequest{
			Vote: "approve",
		})
		s.Require().Equal(http.StatusOK, rec.Code)

		var resp voteResponse
		s.decode(rec, &resp)
		s.Equal(models.InvestmentStatusApproved, resp.Investment.Status)
		s.True(resp.Tally.ApproveWeight.Equal(decimal.NewFromInt(300)))
	})

	s.Run("minority weight leaves voting open", func() {
		_, investment, second := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(second, "user"), voteRequest{
			Vote: "approve",
		})
		s.Require().Equal(http.StatusOK, rec.Code)

		var resp voteResponse
		s.decode(rec, &resp)
		s.Equal(models.InvestmentStatusVoting, resp.Investment.Status)
	})

	s.Run("non-member is forbidden", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(id.NewUserID(), "user"), voteRequest{
			Vote: "approve",
		})
		s.Equal(http.StatusForbidden, rec.Code)
	})

	s.Run("unknown vote value", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(s.creator, "user"), voteRequest{
			Vote: "maybe",
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("vote after resolution conflicts", func() {
		_, investment, second := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(s.creator, "user"), voteRequest{
			Vote: "approve",
		})
		s.Require().Equal(http.StatusOK, rec.Code)

		rec = s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/votes", s.token(second, "user"), voteRequest{
			Vote: "reject",
		})
		s.Equal(http.StatusConflict, rec.Code)
	})
}

func (s *HandlerSuite) TestGetTally() {
	_, investment, _ := s.openProposal()
	_, _, err := s.service.Vote(s.as(s.creator), investment.ID, models.VoteTypeAbstain)
	s.Require().NoError(err)

	rec := s.do(http.MethodGet, "/investments/"+investment.ID.String()+"/tally", s.token(s.creator, "user"), nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var tally models.Tally
	s.decode(rec, &tally)
	s.True(tally.AbstainWeight.Equal(decimal.NewFromInt(300)))
	s.True(tally.EligiblePower.Equal(decimal.NewFromInt(500)))
}

func (s *HandlerSuite) TestForceResolve() {
	s.Run("non-admin is forbidden", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/resolve", s.token(s.creator, "user"), resolveRequest{
			Outcome: "approved",
		})
		s.Equal(http.StatusForbidden, rec.Code)
	})

	s.Run("admin resolves a stalled vote", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/resolve", s.token(id.NewUserID(), "admin"), resolveRequest{
			Outcome: "rejected",
		})
		s.Require().Equal(http.StatusOK, rec.Code)

		var resolved models.PoolInvestment
		s.decode(rec, &resolved)
		s.Equal(models.InvestmentStatusRejected, resolved.Status)
	})

	s.Run("invalid outcome", func() {
		_, investment, _ := s.openProposal()
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/resolve", s.token(id.NewUserID(), "admin"), resolveRequest{
			Outcome: "shredded",
		})
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestExecute() {
	pool, investment, _ := s.openProposal()
	_, _, err := s.service.Vote(s.as(s.creator), investment.ID, models.VoteTypeApprove)
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/execute", s.token(s.creator, "user"), executeRequest{
		RecipientID: id.NewUserID().String(),
	})
	s.Require().Equal(http.StatusOK, rec.Code)

	var executed models.PoolInvestment
	s.decode(rec, &executed)
	s.Equal(models.InvestmentStatusInvested, executed.Status)

	balance, err := s.escrow.GetBalance(context.Background(), pool.EscrowAccountID)
	s.Require().NoError(err)
	s.True(balance.Total.Equal(decimal.NewFromInt(400)))

	s.Run("second execution conflicts", func() {
		rec := s.do(http.MethodPost, "/investments/"+investment.ID.String()+"/execute", s.token(s.creator, "user"), executeRequest{
			RecipientID: id.NewUserID().String(),
		})
		s.Equal(http.StatusConflict, rec.Code)
	})
}

func (s *HandlerSuite) TestPoolStats() {
	pool, _ := s.activePool()

	rec := s.do(http.MethodGet, "/pools/"+pool.ID.String()+"/stats", s.token(s.creator, "user"), nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var report poolservice.PoolStats
	s.decode(rec, &report)
	s.Equal(2, report.TotalMembers)
	s.True(report.TotalCommitted.Equal(decimal.NewFromInt(500)))
}
