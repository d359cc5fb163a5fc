package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Repository loads credential records.
type Repository interface {
	FindByEmail(ctx context.Context, tenantID, email string) (Account, error)
}

// ErrAccountNotFound is returned by repositories for unknown emails.
var ErrAccountNotFound = errors.New("auth: account not found")

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	issuer *Issuer
}

// NewService constructs a new Service.
func NewService(repo Repository, issuer *Issuer) *Service {
	return &Service{repo: repo, issuer: issuer}
}

// Login checks email/password credentials and issues a token. Unknown,
// inactive and mismatched accounts fail alike.
func (s *Service) Login(ctx context.Context, tenantID, email, password string) (Token, error) {
	acct, err := s.repo.FindByEmail(ctx, strings.TrimSpace(tenantID), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, err
	}
	if !acct.Active || acct.PasswordHash == "" {
		return Token{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return Token{}, ErrInvalidCredentials
	}
	signed, expires, err := s.issuer.Issue(acct)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expires}, nil
}
