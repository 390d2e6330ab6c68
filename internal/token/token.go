// Package token issues and validates the signed resume tokens handed out
// when a run suspends. A token binds a specific (run, step) wait point;
// possession of the token plus the run still waiting at that exact point is
// the only thing that authorizes a resume.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/stepflow/pkg/schema"
)

// Claims are the JWT claims carried by a resume token.
type Claims struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id"`
	jwt.RegisteredClaims
}

// Manager signs and verifies resume tokens with HMAC-SHA256.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// DefaultTTL bounds how long a suspended run can be resumed with one token.
const DefaultTTL = 72 * time.Hour

// NewManager creates a Manager. A zero ttl falls back to DefaultTTL.
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue signs a resume token for the given wait point.
func (m *Manager) Issue(runID, stepID string) (string, error) {
	now := m.now().UTC()
	claims := Claims{
		RunID:  runID,
		StepID: stepID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "stepflow",
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeTokenInvalid, "sign resume token").WithCause(err)
	}
	return signed, nil
}

// Validate verifies a resume token and returns its wait point. Expiry is
// reported as TOKEN_EXPIRED; every other defect (bad signature, wrong
// algorithm, malformed claims) is TOKEN_INVALID.
func (m *Manager) Validate(tokenString string) (runID, stepID string, err error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", schema.NewError(schema.ErrCodeTokenExpired, "resume token expired").WithCause(err)
		}
		return "", "", schema.NewError(schema.ErrCodeTokenInvalid, "resume token rejected").WithCause(err)
	}
	if !parsed.Valid || claims.RunID == "" || claims.StepID == "" {
		return "", "", schema.NewError(schema.ErrCodeTokenInvalid, "resume token missing wait point claims")
	}
	return claims.RunID, claims.StepID, nil
}
