package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/pkg/clock"
)

// Signer issues and validates HS256 tokens carrying a user id and issue time
type Signer struct {
	secret []byte
	clock  clock.Clock
}

// NewSigner creates a token signer. The clock defaults to the system clock.
func NewSigner(secret []byte, clk clock.Clock) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{secret: secret, clock: clk}, nil
}

// GenerateAuthToken returns a signed token embedding userID and the issue time
func (s *Signer) GenerateAuthToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id required", reminder.ErrValidationFailure)
	}
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(s.clock.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateAuthToken reports whether token is well formed, correctly signed and
// no older than maxAge. Any doubt yields false.
func (s *Signer) ValidateAuthToken(token string, maxAge time.Duration) bool {
	_, err := s.ParseAuthToken(token, maxAge)
	return err == nil
}

// ParseAuthToken validates token and returns the embedded user id
func (s *Signer) ParseAuthToken(token string, maxAge time.Duration) (string, error) {
	if token == "" || maxAge <= 0 {
		return "", fmt.Errorf("%w: token or max age missing", reminder.ErrValidationFailure)
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", reminder.ErrValidationFailure, err)
	}

	if claims.Subject == "" || claims.IssuedAt == nil {
		return "", fmt.Errorf("%w: missing subject or issue time", reminder.ErrValidationFailure)
	}
	if s.clock.Now().Sub(claims.IssuedAt.Time) > maxAge {
		return "", fmt.Errorf("%w: token expired", reminder.ErrValidationFailure)
	}
	return claims.Subject, nil
}
