package jwttoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

type JWTSuite struct {
	suite.Suite
	service *JWTService
	userID  id.UserID
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTSuite))
}

func (s *JWTSuite) SetupTest() {
	s.service = NewJWTService("test-signing-key", "vestra", "vestra-api")
	s.userID = id.NewUserID()
}

func (s *JWTSuite) TestRoundTrip() {
	token, err := s.service.GenerateAccessToken(s.userID, "admin", time.Hour)
	s.Require().NoError(err)

	claims, err := s.service.ValidateToken(token)
	s.Require().NoError(err)
	s.Equal(s.userID.String(), claims.UserID)
	s.Equal("admin", claims.Role)
}

func (s *JWTSuite) TestExpiredToken() {
	token, err := s.service.GenerateAccessToken(s.userID, "user", -time.Minute)
	s.Require().NoError(err)

	_, err = s.service.ValidateToken(token)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
	s.Contains(err.Error(), "expired")
}

func (s *JWTSuite) TestWrongSigningKey() {
	other := NewJWTService("different-key", "vestra", "vestra-api")
	token, err := other.GenerateAccessToken(s.userID, "user", time.Hour)
	s.Require().NoError(err)

	_, err = s.service.ValidateToken(token)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
}

func (s *JWTSuite) TestMalformedToken() {
	_, err := s.service.ValidateToken("not.a.token")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeUnauthorized))
}
