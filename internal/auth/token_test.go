package auth

import (
	"testing"
	"time"
)

// staticSecrets 测试用固定签名密钥源
type staticSecrets struct {
	admin string
	sub   string
}

func (s staticSecrets) AdminSecret() (string, error)        { return s.admin, nil }
func (s staticSecrets) SubscriptionSecret() (string, error) { return s.sub, nil }

func newTestIssuer() *TokenIssuer {
	return NewTokenIssuer(staticSecrets{
		admin: "0f3c1a6d9e8b74a2c5d0f1e2a3b4c5d60f3c1a6d9e8b74a2c5d0f1e2a3b4c5d6",
		sub:   "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90",
	})
}

func TestAdminTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer()

	token, err := issuer.MintAdminToken("alice", "sudo", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.VerifyAdminToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Username != "alice" {
		t.Errorf("expected alice, got %s", claims.Username)
	}
	if claims.Role != "sudo" {
		t.Errorf("expected sudo, got %s", claims.Role)
	}
}

func TestSubscriptionTokenRoundTrip(t *testing.T) {
	issuer := newTestIssuer()

	token, err := issuer.MintSubscriptionToken("00112233445566778899aabbccddeeff", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	subject, err := issuer.VerifySubscriptionToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "00112233445566778899aabbccddeeff" {
		t.Errorf("expected credential key subject, got %s", subject)
	}
}

func TestTokenDomainIsolation(t *testing.T) {
	issuer := newTestIssuer()

	adminToken, err := issuer.MintAdminToken("alice", "sudo", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	subToken, err := issuer.MintSubscriptionToken("00112233445566778899aabbccddeeff", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("管理令牌不能通过订阅校验", func(t *testing.T) {
		subject, err := issuer.VerifySubscriptionToken(adminToken)
		if err == nil {
			t.Error("expected verification failure")
		}
		if subject != "" {
			t.Errorf("expected empty subject, got %s", subject)
		}
	})

	t.Run("订阅令牌不能通过管理校验", func(t *testing.T) {
		claims, err := issuer.VerifyAdminToken(subToken)
		if err == nil {
			t.Error("expected verification failure")
		}
		if claims != nil {
			t.Errorf("expected nil claims, got %+v", claims)
		}
	})
}

func TestExpiredTokenRejected(t *testing.T) {
	issuer := newTestIssuer()

	token, err := issuer.MintAdminToken("alice", "sudo", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.VerifyAdminToken(token)
	if err == nil {
		t.Error("expected verification failure")
	}
	if claims != nil {
		t.Errorf("expected nil claims, got %+v", claims)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	issuer := newTestIssuer()

	tests := []struct {
		name  string
		token string
	}{
		{"空串", ""},
		{"非JWT", "not-a-token"},
		{"被截断的JWT", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIi"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			claims, err := issuer.VerifyAdminToken(tt.token)
			if err == nil {
				t.Error("expected verification failure")
			}
			if claims != nil {
				t.Errorf("expected nil claims, got %+v", claims)
			}

			subject, err := issuer.VerifySubscriptionToken(tt.token)
			if err == nil {
				t.Error("expected verification failure")
			}
			if subject != "" {
				t.Errorf("expected empty subject, got %s", subject)
			}
		})
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	issuer := newTestIssuer()
	other := NewTokenIssuer(staticSecrets{
		admin: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		sub:   "cafebabecafebabecafebabecafebabecafebabecafebabecafebabecafebabe",
	})

	token, err := other.MintAdminToken("mallory", "sudo", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := issuer.VerifyAdminToken(token)
	if err == nil {
		t.Error("expected verification failure")
	}
	if claims != nil {
		t.Errorf("expected nil claims, got %+v", claims)
	}
}
