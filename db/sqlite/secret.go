package sqlite

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

// === 密钥单例操作 ===

// protocolMaskLen 协议掩码长度（字节）
const protocolMaskLen = 16

// signingSecretLen HS256 签名密钥长度（字节）
const signingSecretLen = 32

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// lazySecret 读取单例密钥列，列为空时生成并落库。
// 条件更新保证并发首次读取只有一个候选值胜出，已存在的值永不被改写。
func (s *SQLiteDB) lazySecret(column string, nbytes int) (string, error) {
	switch column {
	case "subscription_secret", "admin_secret", "vmess_mask", "vless_mask":
	default:
		return "", fmt.Errorf("unknown secret column: %s", column)
	}

	candidate, err := randomHex(nbytes)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}

	query := fmt.Sprintf(
		`UPDATE secrets SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1 AND %s IS NULL`,
		column, column)
	if _, err := s.db.Exec(query, candidate); err != nil {
		return "", err
	}

	var value string
	err = s.db.QueryRow(fmt.Sprintf(`SELECT %s FROM secrets WHERE id = 1`, column)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("secrets row not initialized")
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// WarmSecrets 逐列触发懒生成，启动阶段即暴露密钥库问题
func (s *SQLiteDB) WarmSecrets() error {
	if _, err := s.AdminSecret(); err != nil {
		return fmt.Errorf("admin secret: %w", err)
	}
	if _, err := s.SubscriptionSecret(); err != nil {
		return fmt.Errorf("subscription secret: %w", err)
	}
	for _, protocol := range []string{"vmess", "vless"} {
		if _, err := s.ProtocolMask(protocol); err != nil {
			return fmt.Errorf("%s mask: %w", protocol, err)
		}
	}
	return nil
}

// GetSecrets 获取密钥单例行
func (s *SQLiteDB) GetSecrets() (*dbinit.Secrets, error) {
	secrets := &dbinit.Secrets{}
	query := `SELECT id, subscription_secret, admin_secret, vmess_mask, vless_mask, updated_at
		FROM secrets WHERE id = 1`
	err := s.db.QueryRow(query).Scan(
		&secrets.ID, &secrets.SubscriptionSecret, &secrets.AdminSecret,
		&secrets.VMessMask, &secrets.VLESSMask, &secrets.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return secrets, nil
}

// SubscriptionSecret 订阅令牌签名密钥（首次访问时生成）
func (s *SQLiteDB) SubscriptionSecret() (string, error) {
	return s.lazySecret("subscription_secret", signingSecretLen)
}

// AdminSecret 管理令牌签名密钥（首次访问时生成）
func (s *SQLiteDB) AdminSecret() (string, error) {
	return s.lazySecret("admin_secret", signingSecretLen)
}

// ProtocolMask 指定协议的 16 字节凭据掩码（首次访问时生成）
func (s *SQLiteDB) ProtocolMask(protocol string) ([]byte, error) {
	var column string
	switch protocol {
	case "vmess":
		column = "vmess_mask"
	case "vless":
		column = "vless_mask"
	default:
		return nil, fmt.Errorf("unknown protocol: %s", protocol)
	}

	value, err := s.lazySecret(column, protocolMaskLen)
	if err != nil {
		return nil, err
	}

	mask, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", column, err)
	}
	if len(mask) != protocolMaskLen {
		return nil, fmt.Errorf("%s has invalid length %d", column, len(mask))
	}
	return mask, nil
}
