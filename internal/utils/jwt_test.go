package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-testing"

func init() {
	SetJWTSecret(testSecret)
}

func signed(t *testing.T, method jwt.SigningMethod, claims Claims, key interface{}) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestServiceTokenRoundTrip(t *testing.T) {
	token, err := GenerateServiceToken("rule-engine", "admin", 1)
	if err != nil {
		t.Fatalf("GenerateServiceToken error = %v", err)
	}
	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error = %v", err)
	}

	if claims.Service != "rule-engine" || claims.Role != "admin" || claims.Subject != "rule-engine" {
		t.Errorf("claims = %s/%s/%s", claims.Service, claims.Role, claims.Subject)
	}
	if drift := time.Until(claims.ExpiresAt.Time) - time.Hour; drift < -time.Minute || drift > time.Minute {
		t.Errorf("expiry is %v away from one hour", drift)
	}

	other, _ := GenerateServiceToken("dashboard", "admin", 1)
	if other == token {
		t.Error("different services should produce different tokens")
	}
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	foreignIssuer := valid
	foreignIssuer.Issuer = "someone-else"
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-2 * clockSkew))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", signed(t, jwt.SigningMethodHS256, Claims{Service: "x", RegisteredClaims: valid}, []byte("other"))},
		{"wrong algorithm", signed(t, jwt.SigningMethodHS512, Claims{Service: "x", RegisteredClaims: valid}, []byte(testSecret))},
		{"unsigned", signed(t, jwt.SigningMethodNone, Claims{Service: "x", RegisteredClaims: valid}, jwt.UnsafeAllowNoneSignatureType)},
		{"foreign issuer", signed(t, jwt.SigningMethodHS256, Claims{Service: "x", RegisteredClaims: foreignIssuer}, []byte(testSecret))},
		{"no expiry", signed(t, jwt.SigningMethodHS256, Claims{Service: "x", RegisteredClaims: noExpiry}, []byte(testSecret))},
		{"expired beyond skew", signed(t, jwt.SigningMethodHS256, Claims{Service: "x", RegisteredClaims: expired}, []byte(testSecret))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token); err == nil {
				t.Error("ParseToken should fail")
			}
		})
	}
}

func TestParseToken_ToleratesSmallSkew(t *testing.T) {
	claims := Claims{Service: "rule-engine", Role: "service", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-clockSkew / 3)),
	}}
	if _, err := ParseToken(signed(t, jwt.SigningMethodHS256, claims, []byte(testSecret))); err != nil {
		t.Errorf("ParseToken error = %v, expected a just-expired token to pass", err)
	}
}

func TestGenerateServiceToken_NoSecret(t *testing.T) {
	SetJWTSecret("")
	defer SetJWTSecret(testSecret)

	if AuthEnabled() {
		t.Error("AuthEnabled() should be false with an empty secret")
	}
	if _, err := GenerateServiceToken("rule-engine", "service", 1); err == nil {
		t.Error("GenerateServiceToken should fail without a secret")
	}
}
