package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"careflow/notify"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
	// ErrForbidden signals the actor may not perform the identity mutation.
	ErrForbidden = errors.New("identity: forbidden")
	// ErrInvalidStatus signals an unknown verification status value.
	ErrInvalidStatus = errors.New("identity: invalid verification status")
	// ErrInvalidRole signals a role that cannot be self-registered.
	ErrInvalidRole = errors.New("identity: invalid role")
)

// Service handles account business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	notifier  notify.Notifier
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		notifier:  notify.LogNotifier{},
	}
}

// WithNotifier swaps the notification collaborator.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// Register creates a new account. Nurses start with a pending verification
// status and must be approved by an admin before they can bid.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("identity: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RolePatient
	}
	// Only patients and nurses self-register. Admin accounts are
	// provisioned out of band; accepting them here would hand any caller
	// the admin half of the authorization matrix.
	if role != RolePatient && role != RoleNurse {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	status := VerificationVerified
	if role == RoleNurse {
		status = VerificationPending
		if strings.TrimSpace(req.LicenseNumber) == "" {
			return nil, fmt.Errorf("identity: license_number is required for nurses")
		}
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:              req.Email,
		FullName:           req.FullName,
		PasswordHash:       string(passwordHash),
		Role:               role,
		VerificationStatus: status,
		Phone:              nullable(req.Phone),
		Address:            nullable(req.Address),
		LicenseNumber:      nullable(req.LicenseNumber),
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}

	return LoginResult{Token: token, User: user}, nil
}

// GetUserByID retrieves account information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetVerificationStatus transitions a user's verification status. Only
// admins may call it; the lifecycle core consumes the result, it never
// mutates verification itself.
func (s *Service) SetVerificationStatus(ctx context.Context, actor User, userID string, status VerificationStatus) (User, error) {
	if actor.Role != RoleAdmin {
		return User{}, ErrForbidden
	}
	if !isValidVerificationStatus(status) {
		return User{}, ErrInvalidStatus
	}
	updated, err := s.repo.UpdateVerificationStatus(ctx, userID, status)
	if err != nil {
		return User{}, err
	}
	notify.BestEffort(ctx, s.notifier, updated.ID, "", notify.KindVerificationChanged)
	return updated, nil
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("identity: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", "", fmt.Errorf("identity: invalid user_id in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("identity: invalid role in token")
		}
		role := Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("identity: invalid role %q in token", roleStr)
		}
		return userID, role, nil
	}

	return "", "", fmt.Errorf("identity: invalid token")
}

func (s *Service) generateToken(userID string, role Role) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RolePatient, RoleNurse, RoleAdmin:
		return true
	default:
		return false
	}
}

func isValidVerificationStatus(status VerificationStatus) bool {
	switch status {
	case VerificationPending, VerificationVerified, VerificationRejected, VerificationSuspended:
		return true
	default:
		return false
	}
}

func nullable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
