package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 两个令牌域各用一把独立的 HS256 密钥：管理令牌无法在订阅端点
// 通过校验，订阅令牌也无法触达管理 API。校验失败一律不返回任何
// 已解析的载荷。

const (
	audienceAdmin        = "admin"
	audienceSubscription = "subscription"
)

// 管理域令牌的角色。节点注册令牌也走管理域签发，
// 但角色固定为 node，不能用于管理 API。
const (
	RoleAdmin = "admin"
	RoleSudo  = "sudo"
	RoleNode  = "node"
)

// SecretSource 签名密钥来源（由密钥单例存储实现，懒生成且不轮换）
type SecretSource interface {
	AdminSecret() (string, error)
	SubscriptionSecret() (string, error)
}

// AdminClaims 管理令牌声明
type AdminClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SubscriptionClaims 订阅令牌声明（Subject 为凭据键或用户ID）
type SubscriptionClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer 双域令牌签发器
type TokenIssuer struct {
	secrets SecretSource

	mu          sync.Mutex
	adminSecret string
	subSecret   string
}

// NewTokenIssuer 创建令牌签发器
func NewTokenIssuer(secrets SecretSource) *TokenIssuer {
	return &TokenIssuer{secrets: secrets}
}

// adminKey 加载管理域密钥（进程内缓存，存储层保证不重生成）
func (t *TokenIssuer) adminKey() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.adminSecret == "" {
		secret, err := t.secrets.AdminSecret()
		if err != nil {
			return nil, fmt.Errorf("load admin secret: %w", err)
		}
		t.adminSecret = secret
	}
	return []byte(t.adminSecret), nil
}

// subscriptionKey 加载订阅域密钥
func (t *TokenIssuer) subscriptionKey() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subSecret == "" {
		secret, err := t.secrets.SubscriptionSecret()
		if err != nil {
			return nil, fmt.Errorf("load subscription secret: %w", err)
		}
		t.subSecret = secret
	}
	return []byte(t.subSecret), nil
}

// === 管理令牌 ===

// MintAdminToken 签发管理令牌
func (t *TokenIssuer) MintAdminToken(username, role string, ttl time.Duration) (string, error) {
	key, err := t.adminKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := AdminClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Audience:  jwt.ClaimStrings{audienceAdmin},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// VerifyAdminToken 校验管理令牌，失败时不返回任何载荷
func (t *TokenIssuer) VerifyAdminToken(tokenString string) (*AdminClaims, error) {
	key, err := t.adminKey()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{},
		func(token *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(audienceAdmin),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid admin token")
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok {
		return nil, fmt.Errorf("invalid admin token")
	}
	return claims, nil
}

// === 订阅令牌 ===

// MintSubscriptionToken 为凭据键或用户ID签发订阅令牌
func (t *TokenIssuer) MintSubscriptionToken(subject string, ttl time.Duration) (string, error) {
	key, err := t.subscriptionKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := SubscriptionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audienceSubscription},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// VerifySubscriptionToken 校验订阅令牌并返回其主体，失败时主体为空
func (t *TokenIssuer) VerifySubscriptionToken(tokenString string) (string, error) {
	key, err := t.subscriptionKey()
	if err != nil {
		return "", err
	}

	token, err := jwt.ParseWithClaims(tokenString, &SubscriptionClaims{},
		func(token *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(audienceSubscription),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid subscription token")
	}

	claims, ok := token.Claims.(*SubscriptionClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("invalid subscription token")
	}
	return claims.Subject, nil
}
