package password

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt cost is fixed at 12. Changing it only affects new hashes;
// verification reads the cost from the stored hash.
const hashCost = 12

const (
	minLength = 8
	maxLength = 64
)

// Characters that would break the canonical strings signed elsewhere
// in the system, so they are banned from passwords outright.
const deniedChars = "<>'\"`"

var (
	ErrPasswordReuse = errors.New("password: matches current or previous password")
)

// Violation names one way a candidate password fails policy.
type Violation string

const (
	ViolationTooShort    Violation = "too_short"
	ViolationTooLong     Violation = "too_long"
	ViolationNoUpper     Violation = "missing_uppercase"
	ViolationNoLower     Violation = "missing_lowercase"
	ViolationNoDigit     Violation = "missing_digit"
	ViolationNoSymbol    Violation = "missing_symbol"
	ViolationDeniedChars Violation = "forbidden_characters"
)

// Validate checks a candidate password against the policy and returns
// every violation found, or nil when the password is acceptable.
func Validate(password string) []Violation {
	var violations []Violation
	if len(password) < minLength {
		violations = append(violations, ViolationTooShort)
	}
	if len(password) > maxLength {
		violations = append(violations, ViolationTooLong)
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		violations = append(violations, ViolationNoUpper)
	}
	if !hasLower {
		violations = append(violations, ViolationNoLower)
	}
	if !hasDigit {
		violations = append(violations, ViolationNoDigit)
	}
	if !hasSymbol {
		violations = append(violations, ViolationNoSymbol)
	}
	if strings.ContainsAny(password, deniedChars) {
		violations = append(violations, ViolationDeniedChars)
	}
	return violations
}

// Hash hashes a plaintext password with bcrypt.
func Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password: empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares a plaintext password with a stored hash.
func Verify(hash, password string) error {
	if hash == "" {
		return errors.New("password: empty hash")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CheckReuse rejects a new password equal to the current password or the
// immediately previous one. History is a single generation deep: a
// password two generations back is acceptable again.
func CheckReuse(newPassword, currentHash, previousHash string) error {
	if currentHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(currentHash), []byte(newPassword)); err == nil {
			return ErrPasswordReuse
		}
	}
	if previousHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(previousHash), []byte(newPassword)); err == nil {
			return ErrPasswordReuse
		}
	}
	return nil
}
