// password.go

// bcrypt password hashing, password policy, and email validation.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// MinBcryptCost is the floor for every stored hash. Lower configured costs are raised to it.
const MinBcryptCost = 12

// maxPasswordBytes is bcrypt's input limit; longer input would be silently truncated.
const maxPasswordBytes = 72

var validate = validator.New()

// HashPassword returns a bcrypt hash of password at cost (never below MinBcryptCost).
func HashPassword(password string, cost int) (string, error) {
	cost = max(cost, MinBcryptCost)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
// A mismatch is (false, nil); a malformed hash is an error.
func VerifyPassword(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("comparing password: %w", err)
}

// NormalizeEmail returns the canonical (trimmed, lower-case) form used for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "Email is required"
	}
	if len(email) < 5 {
		return "Email too short"
	}
	if len(email) > 254 {
		return "Email too long"
	}
	if err := validate.Var(email, "email"); err != nil {
		return "Invalid email format"
	}
	return ""
}

// PasswordPolicy defines password complexity rules applied at registration.
//
//	MinLength is the minimum rune count; 0 skips minimum enforcement.
//	The four Require* fields each gate a character-class check.
//	Special characters are the ones in specialChars.
//	Input over 72 bytes is always rejected since bcrypt would truncate it.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy is the registration policy.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:        12,
	RequireUppercase: true,
	RequireLowercase: true,
	RequireDigit:     true,
	RequireSpecial:   true,
}

// specialChars defines which characters satisfy the RequireSpecial rule.
const specialChars = "!@#$%^&*"

// Validate checks password against every enabled rule and returns a slice of human-readable
// failure messages; an empty slice means the password is valid.
func (p PasswordPolicy) Validate(password string) []string {
	var failures []string
	if password == "" {
		failures = append(failures, "Password is required")
	}
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if len(password) > maxPasswordBytes {
		failures = append(failures, fmt.Sprintf("Password must be at most %d bytes", maxPasswordBytes))
	}

	// Letter and digit classes are ASCII only; É or σ do not count.
	var seenUpper, seenLower, seenDigit, seenSpecial, seenControl bool
	for _, r := range password {
		switch {
		case unicode.IsControl(r):
			seenControl = true
		case r >= 'A' && r <= 'Z':
			seenUpper = true
		case r >= 'a' && r <= 'z':
			seenLower = true
		case r >= '0' && r <= '9':
			seenDigit = true
		case strings.ContainsRune(specialChars, r):
			seenSpecial = true
		}
	}

	if seenControl {
		failures = append(failures, "Password contains invalid characters")
	}
	if p.RequireUppercase && !seenUpper {
		failures = append(failures, "Password must contain at least one uppercase letter")
	}
	if p.RequireLowercase && !seenLower {
		failures = append(failures, "Password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !seenDigit {
		failures = append(failures, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !seenSpecial {
		failures = append(failures, "Password must contain at least one special character (!@#$%^&*)")
	}

	return failures
}
