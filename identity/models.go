package identity

import "time"

type Role string

const (
	RolePatient Role = "patient"
	RoleNurse   Role = "nurse"
	RoleAdmin   Role = "admin"
)

// VerificationStatus tracks whether a nurse may bid on or be assigned to
// care requests. Patients and admins are created verified.
type VerificationStatus string

const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerified  VerificationStatus = "verified"
	VerificationRejected  VerificationStatus = "rejected"
	VerificationSuspended VerificationStatus = "suspended"
)

// User is the domain representation of an account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID                 string
	Email              string
	FullName           string
	PasswordHash       string
	Phone              *string
	Address            *string
	LicenseNumber      *string
	Role               Role
	VerificationStatus VerificationStatus
	Rating             float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Verified reports whether the user may act as an assignable provider.
func (u User) Verified() bool {
	return u.VerificationStatus == VerificationVerified
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	Role          Role   `json:"role"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	LicenseNumber string `json:"license_number"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
