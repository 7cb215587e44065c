package api

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestRequireAudience(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		wantOK bool
	}{
		{"single string match", jwt.MapClaims{"aud": "dispatch"}, true},
		{"array membership", jwt.MapClaims{"aud": []interface{}{"portal", "dispatch"}}, true},
		{"array without expected", jwt.MapClaims{"aud": []interface{}{"portal", "reports"}}, false},
		{"missing claim", jwt.MapClaims{}, false},
		{"wrong type", jwt.MapClaims{"aud": 42}, false},
	}
	for _, tc := range cases {
		err := requireAudience(tc.claims, "dispatch")
		if tc.wantOK && err != nil {
			t.Errorf("%s: unexpected rejection: %v", tc.name, err)
		}
		if !tc.wantOK && err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}

	// An unconfigured audience is not enforced at all.
	if err := requireAudience(jwt.MapClaims{"aud": "anything"}, ""); err != nil {
		t.Errorf("unconfigured audience must pass, got %v", err)
	}
}

func TestRequireIssuer(t *testing.T) {
	if err := requireIssuer(jwt.MapClaims{"iss": "https://id.example.org"}, "https://id.example.org"); err != nil {
		t.Errorf("matching issuer rejected: %v", err)
	}
	if err := requireIssuer(jwt.MapClaims{"iss": "https://rogue.example.org"}, "https://id.example.org"); err == nil {
		t.Error("expected mismatched issuer to be rejected")
	}
	if err := requireIssuer(jwt.MapClaims{}, "https://id.example.org"); err == nil {
		t.Error("expected missing issuer to be rejected")
	}
	if err := requireIssuer(jwt.MapClaims{}, ""); err != nil {
		t.Errorf("unconfigured issuer must pass, got %v", err)
	}
}
