package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); !errors.Is(err, ErrMissingServiceToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	if err := ValidateServiceToken("bad", "expected"); !errors.Is(err, ErrInvalidServiceToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTGenerateValidate(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("fleet-manager", "healthcheck", secret)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("validate jwt: %v", err)
	}
	if claims.Service != "fleet-manager" || claims.Scope != "healthcheck" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestJWTValidationEdgeCases(t *testing.T) {
	tests := []struct {
		name        string
		setupToken  func() string
		secret      []byte
		expectError bool
		errorType   error
	}{
		{
			name: "valid token with correct secret",
			setupToken: func() string {
				token, _ := GenerateJWT("fleet-manager", "healthcheck", []byte("correct-secret"))
				return token
			},
			secret:      []byte("correct-secret"),
			expectError: false,
		},
		{
			name: "valid token with wrong secret",
			setupToken: func() string {
				token, _ := GenerateJWT("fleet-manager", "healthcheck", []byte("correct-secret"))
				return token
			},
			secret:      []byte("wrong-secret"),
			expectError: true,
			errorType:   ErrInvalidJWT,
		},
		{
			name: "expired token",
			setupToken: func() string {
				claims := &Claims{
					Service: "fleet-manager",
					Scope:   "healthcheck",
					RegisteredClaims: jwt.RegisteredClaims{
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
						IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
					},
				}
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
				tokenString, _ := token.SignedString([]byte("test-secret"))
				return tokenString
			},
			secret:      []byte("test-secret"),
			expectError: true,
			errorType:   ErrExpiredJWT,
		},
		{
			name: "malformed token",
			setupToken: func() string {
				return "not.a.valid.jwt.token"
			},
			secret:      []byte("test-secret"),
			expectError: true,
			errorType:   ErrInvalidJWT,
		},
		{
			name: "empty token",
			setupToken: func() string {
				return ""
			},
			secret:      []byte("test-secret"),
			expectError: true,
			errorType:   ErrInvalidJWT,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.setupToken()
			claims, err := ValidateJWT(token, tt.secret)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error but got none")
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Fatalf("expected error %v but got %v", tt.errorType, err)
				}
				if claims != nil {
					t.Fatalf("expected nil claims when error occurs")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if claims == nil {
					t.Fatalf("expected valid claims")
				}
			}
		})
	}
}

func TestJWTAlgorithmConfusionPrevention(t *testing.T) {
	secret := []byte("test-secret")

	noneToken := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Service: "fleet-manager",
		Scope:   "healthcheck",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	noneTokenString, err := noneToken.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to create none token: %v", err)
	}

	claims, err := ValidateJWT(noneTokenString, secret)
	if err == nil {
		t.Fatalf("expected rejection of none algorithm token but validation succeeded")
	}
	if claims != nil {
		t.Fatalf("expected nil claims when rejecting none algorithm")
	}
	if !errors.Is(err, ErrInvalidJWT) && !strings.Contains(err.Error(), "unexpected signing method") {
		t.Fatalf("expected signing method or invalid JWT error but got: %v", err)
	}
}
