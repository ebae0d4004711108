package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "amira@example.com",
		Password: "supersafe",
		FullName: "Amira Patient",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RolePatient {
		t.Fatalf("register: expected default role %s got %s", RolePatient, user.Role)
	}
	if user.VerificationStatus != VerificationVerified {
		t.Fatalf("register: expected patient to be verified, got %s", user.VerificationStatus)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RolePatient {
		t.Fatalf("verify token: expected role %s got %s", RolePatient, tokenRole)
	}
}

func TestService_RegisterNurseStartsPending(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:         "nadia@example.com",
		Password:      "strongpassword",
		FullName:      "Nadia Nurse",
		Role:          RoleNurse,
		LicenseNumber: "RN-2291",
	})
	if err != nil {
		t.Fatalf("register nurse: %v", err)
	}
	if user.VerificationStatus != VerificationPending {
		t.Fatalf("expected nurse to start pending, got %s", user.VerificationStatus)
	}
	if user.Verified() {
		t.Fatal("pending nurse must not report Verified()")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "nolicense@example.com",
		Password: "strongpassword",
		FullName: "No License",
		Role:     RoleNurse,
	}); err == nil {
		t.Fatal("expected error for nurse without license number")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "amira@example.com",
		Password: "short",
		FullName: "Amira Patient",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_RegisterRejectsAdminRole(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	for _, role := range []Role{RoleAdmin, Role("superuser")} {
		_, err := svc.Register(context.Background(), RegisterRequest{
			Email:    fmt.Sprintf("%s@example.com", role),
			Password: "strongpassword",
			FullName: "Wannabe Admin",
			Role:     role,
		})
		if !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("role %q: expected ErrInvalidRole, got %v", role, err)
		}
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "amira@example.com",
		Password: "strongpassword",
		FullName: "Amira Patient",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_SetVerificationStatus(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	nurse, err := svc.Register(context.Background(), RegisterRequest{
		Email:         "nadia@example.com",
		Password:      "strongpassword",
		FullName:      "Nadia Nurse",
		Role:          RoleNurse,
		LicenseNumber: "RN-2291",
	})
	if err != nil {
		t.Fatalf("register nurse: %v", err)
	}

	admin := User{ID: "admin-1", Role: RoleAdmin}
	patient := User{ID: "patient-1", Role: RolePatient}

	if _, err := svc.SetVerificationStatus(context.Background(), patient, nurse.ID, VerificationVerified); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}

	if _, err := svc.SetVerificationStatus(context.Background(), admin, nurse.ID, VerificationStatus("approved-ish")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}

	updated, err := svc.SetVerificationStatus(context.Background(), admin, nurse.ID, VerificationVerified)
	if err != nil {
		t.Fatalf("admin verification: %v", err)
	}
	if !updated.Verified() {
		t.Fatalf("expected verified nurse, got %s", updated.VerificationStatus)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:                 id,
		Email:              params.Email,
		FullName:           params.FullName,
		PasswordHash:       params.PasswordHash,
		Phone:              params.Phone,
		Address:            params.Address,
		LicenseNumber:      params.LicenseNumber,
		Role:               params.Role,
		VerificationStatus: params.VerificationStatus,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) UpdateVerificationStatus(ctx context.Context, userID string, status VerificationStatus) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.VerificationStatus = status
	user.UpdatedAt = time.Now().UTC()
	f.usersByID[userID] = user
	f.usersByEmail[strings.ToLower(user.Email)] = user
	return user, nil
}
