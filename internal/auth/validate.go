package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minUsernameLength = 4
	maxUsernameLength = 32
	minPasswordLength = 8
	maxPasswordLength = 32
	maxEmailLength    = 255
	maxNameLength     = 64
	maxTextIDLength   = 128
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)
	textIDPattern   = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

func validateUsername(username string) error {
	if n := utf8.RuneCountInString(username); n < minUsernameLength || n > maxUsernameLength {
		return fmt.Errorf("must be between %d and %d characters", minUsernameLength, maxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("may only contain letters, digits, dots and underscores")
	}
	return nil
}

func validatePassword(password string) error {
	if n := utf8.RuneCountInString(password); n < minPasswordLength || n > maxPasswordLength {
		return fmt.Errorf("must be between %d and %d characters", minPasswordLength, maxPasswordLength)
	}
	var digit, letter bool
	for _, r := range password {
		switch {
		case unicode.IsSpace(r):
			return errors.New("must not contain whitespace")
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLetter(r):
			letter = true
		}
	}
	if !digit {
		return errors.New("must contain at least one digit")
	}
	if !letter {
		return errors.New("must contain at least one letter")
	}
	return nil
}

func validateEmail(email string) error {
	if len(email) > maxEmailLength {
		return fmt.Errorf("must be at most %d characters", maxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.New("is not a valid address")
	}
	return nil
}

func validateName(name string) error {
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("must be at most %d characters", maxNameLength)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) {
			return errors.New("may only contain letters")
		}
	}
	return nil
}

func validateTextID(textID string) error {
	if textID == "" {
		return errors.New("is required")
	}
	if len(textID) > maxTextIDLength {
		return fmt.Errorf("must be at most %d characters", maxTextIDLength)
	}
	if !textIDPattern.MatchString(textID) {
		return errors.New("may only contain letters, digits and . _ : -")
	}
	return nil
}

const (
	digits       = "0123456789"
	upper        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alphanumeric = digits + upper + "abcdefghijklmnopqrstuvwxyz"
)

// GeneratePassword returns a 12 character password with at least two digits and two
// upper-case letters, satisfying the password policy.
func GeneratePassword() (string, error) {
	var buf []byte
	for _, part := range []struct {
		set string
		n   int
	}{{digits, 2}, {upper, 2}, {alphanumeric, 8}} {
		for i := 0; i < part.n; i++ {
			c, err := randomChar(part.set)
			if err != nil {
				return "", err
			}
			buf = append(buf, c)
		}
	}
	for i := len(buf) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle password: %w", err)
		}
		buf[i], buf[j.Int64()] = buf[j.Int64()], buf[i]
	}
	return string(buf), nil
}

// GenerateCode returns a numeric one-time code of n digits.
func GenerateCode(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		c, err := randomChar(digits)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func randomChar(set string) (byte, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("random index: %w", err)
	}
	return set[idx.Int64()], nil
}
