package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAuthenticatorDisabledWithoutSecret(t *testing.T) {
	if NewAuthenticator("", "") != nil {
		t.Fatal("expected nil authenticator")
	}
	called := false
	h := (*Authenticator)(nil).Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/pending", nil))
	if !called {
		t.Fatal("nil authenticator must pass requests through")
	}
}

func TestValidateRejects(t *testing.T) {
	a := NewAuthenticator("secret", "spinegate")
	valid := jwt.RegisteredClaims{Subject: "u-1", Issuer: "spinegate", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	good, err := a.Sign(Claims{RegisteredClaims: valid, Role: "owner", TenantID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := a.Validate(good)
	if err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	if claims.Role != "owner" || claims.TenantID != "acme" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noSubject := valid
	noSubject.Subject = ""

	tests := []struct {
		name   string
		signer *Authenticator
		claims jwt.RegisteredClaims
	}{
		{"expired", a, expired},
		{"wrong issuer", a, wrongIssuer},
		{"no subject", a, noSubject},
		{"wrong key", NewAuthenticator("other", "spinegate"), valid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := tt.signer.Sign(Claims{RegisteredClaims: tt.claims})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := a.Validate(tok); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRejectsNoneAlg(t *testing.T) {
	a := NewAuthenticator("secret", "")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Validate(tok); err == nil {
		t.Fatal("expected alg none to be rejected")
	}
}
