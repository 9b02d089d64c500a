// Package accounts implements auth.AuthService: registration, login and
// token validation.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/store"
)

const (
	MethodRegister      = "/auth.AuthService/Register"
	MethodLogin         = "/auth.AuthService/Login"
	MethodValidateToken = "/auth.AuthService/ValidateToken"
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

const (
	minPassword = 6
	// bcrypt ignores input past 72 bytes.
	maxPassword = 72
)

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email     string `json:"email" jsonschema:"required"`
	Username  string `json:"username" jsonschema:"required"`
	Password  string `json:"password" jsonschema:"required"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// LoginRequest authenticates with a username or email.
type LoginRequest struct {
	Identifier string `json:"identifier" jsonschema:"required,description=username or email"`
	Password   string `json:"password" jsonschema:"required"`
}

// ValidateTokenRequest checks a previously issued token.
type ValidateTokenRequest struct {
	Token string `json:"token" jsonschema:"required"`
}

// User is the public view of an account.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AuthResponse answers Register and Login.
type AuthResponse struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Token     string   `json:"token,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
	User      *User    `json:"user,omitempty"`
}

// ValidateTokenResponse answers ValidateToken.
type ValidateTokenResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
	User    *User  `json:"user,omitempty"`
}

// Service implements the account operations.
type Service struct {
	store  store.Store
	issuer auth.Issuer
	tokens auth.TokenVerifier
	log    *slog.Logger
	cost   int
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option { return func(s *Service) { s.cost = cost } }

// New returns a Service. issuer signs tokens on Register and Login; tokens
// verifies them on ValidateToken.
func New(st store.Store, issuer auth.Issuer, tokens auth.TokenVerifier, opts ...Option) *Service {
	s := &Service{
		store:  st,
		issuer: issuer,
		tokens: tokens,
		log:    slog.Default(),
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validateRegister(req *RegisterRequest) []string {
	var errs []string
	if a, err := mail.ParseAddress(req.Email); err != nil || a.Address != req.Email {
		errs = append(errs, "email is invalid")
	}
	if !usernameRE.MatchString(req.Username) {
		errs = append(errs, "username must be 3-50 letters, digits or underscores")
	}
	if n := len(req.Password); n < minPassword || n > maxPassword {
		errs = append(errs, fmt.Sprintf("password must be %d-%d characters", minPassword, maxPassword))
	}
	return errs
}

// Register creates an account and returns a token for it.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	if errs := s.validateRegister(req); len(errs) > 0 {
		return &AuthResponse{Message: "invalid registration data", Errors: errs}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	u := &store.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &AuthResponse{Message: "email or username already in use"}, nil
		}
		return nil, err
	}
	s.log.InfoContext(ctx, "accounts.register", slog.String("user_id", u.ID), slog.String("username", u.Username))
	return s.authenticated(u, "account created")
}

// Login exchanges credentials for a token.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	ident := strings.TrimSpace(req.Identifier)
	if ident == "" || req.Password == "" {
		return &AuthResponse{Message: "identifier and password are required"}, nil
	}
	u, err := s.store.UserByLogin(ctx, ident)
	if errors.Is(err, store.ErrNotFound) {
		return &AuthResponse{Message: "invalid credentials"}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		s.log.InfoContext(ctx, "accounts.login.fail", slog.String("user_id", u.ID))
		return &AuthResponse{Message: "invalid credentials"}, nil
	}
	return s.authenticated(u, "login successful")
}

// ValidateToken reports whether req.Token is valid and who it names.
func (s *Service) ValidateToken(ctx context.Context, req *ValidateTokenRequest) (*ValidateTokenResponse, error) {
	id, err := s.tokens.VerifyToken(ctx, req.Token)
	if err != nil {
		return &ValidateTokenResponse{Message: "invalid or expired token"}, nil
	}
	u, err := s.store.UserByID(ctx, id.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		return &ValidateTokenResponse{Message: "user no longer exists"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ValidateTokenResponse{Valid: true, User: view(u)}, nil
}

func (s *Service) authenticated(u *store.User, msg string) (*AuthResponse, error) {
	tok, exp, err := s.issuer.IssueToken(auth.Identity{SubjectID: u.ID, Username: u.Username})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResponse{
		Success:   true,
		Message:   msg,
		Token:     tok,
		ExpiresAt: exp.Unix(),
		User:      view(u),
	}, nil
}

func view(u *store.User) *User {
	return &User{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		CreatedAt: u.CreatedAt.Unix(),
	}
}
