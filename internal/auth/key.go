package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// 凭据键是 16 字节随机值的 32 位小写 hex 表示。每个代理协议用
// 各自的 16 字节掩码与键做异或得到协议侧身份 UUID，掩码固定时
// 该映射是自反的：KeyToUUID 与 UUIDToKey 互为逆运算。

var (
	// ErrInvalidKeyFormat 凭据键格式非法
	ErrInvalidKeyFormat = errors.New("invalid credential key format")
	// ErrAmbiguousKey 多协议身份反推出的键不一致
	ErrAmbiguousKey = errors.New("ambiguous derived credential key")
)

// Protocol 代理协议
type Protocol string

const (
	ProtocolVMess Protocol = "vmess"
	ProtocolVLESS Protocol = "vless"
)

// AllProtocols 全部受支持协议
var AllProtocols = []Protocol{ProtocolVMess, ProtocolVLESS}

// Valid 检查协议是否受支持
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolVMess, ProtocolVLESS:
		return true
	}
	return false
}

// keyLen 凭据键长度（hex 字符数）
const keyLen = 32

// MaskSource 协议掩码来源（由密钥单例存储实现）
type MaskSource interface {
	ProtocolMask(protocol string) ([]byte, error)
}

// KeyCodec 凭据键编解码器
type KeyCodec struct {
	secrets MaskSource
}

// NewKeyCodec 创建凭据键编解码器
func NewKeyCodec(secrets MaskSource) *KeyCodec {
	return &KeyCodec{secrets: secrets}
}

// GenerateKey 生成新凭据键（16 随机字节的 32 位 hex）
func (c *KeyCodec) GenerateKey() (string, error) {
	bytes := make([]byte, keyLen/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate credential key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// NormalizeKey 规范化外部输入的凭据键：去除首尾空白并转小写。
// 结果必须是恰好 32 位 hex，否则返回 ErrInvalidKeyFormat。
func (c *KeyCodec) NormalizeKey(raw string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if len(key) != keyLen {
		return "", fmt.Errorf("key length %d: %w", len(key), ErrInvalidKeyFormat)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("key not hex: %w", ErrInvalidKeyFormat)
	}
	return key, nil
}

// KeyToUUID 由凭据键计算协议侧身份 UUID
func (c *KeyCodec) KeyToUUID(key string, protocol Protocol) (uuid.UUID, error) {
	normalized, err := c.NormalizeKey(key)
	if err != nil {
		return uuid.Nil, err
	}

	keyBytes, _ := hex.DecodeString(normalized)
	mask, err := c.protocolMask(protocol)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	for i := 0; i < len(id); i++ {
		id[i] = keyBytes[i] ^ mask[i]
	}
	return id, nil
}

// UUIDToKey 由协议侧身份 UUID 反推凭据键
func (c *KeyCodec) UUIDToKey(id uuid.UUID, protocol Protocol) (string, error) {
	mask, err := c.protocolMask(protocol)
	if err != nil {
		return "", err
	}

	keyBytes := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		keyBytes[i] = id[i] ^ mask[i]
	}
	return hex.EncodeToString(keyBytes), nil
}

// DeriveKey 由一组既有协议身份反推凭据键。
// 所有协议反推出的键必须一致，只有单个协议时直接采用；
// 不一致返回 ErrAmbiguousKey，空输入返回 ErrInvalidKeyFormat。
func (c *KeyCodec) DeriveKey(identities map[Protocol]uuid.UUID) (string, error) {
	if len(identities) == 0 {
		return "", fmt.Errorf("no identities given: %w", ErrInvalidKeyFormat)
	}

	protocols := make([]Protocol, 0, len(identities))
	for p := range identities {
		protocols = append(protocols, p)
	}
	sort.Slice(protocols, func(i, j int) bool { return protocols[i] < protocols[j] })

	candidate := ""
	for _, p := range protocols {
		key, err := c.UUIDToKey(identities[p], p)
		if err != nil {
			return "", err
		}
		if candidate == "" {
			candidate = key
			continue
		}
		if key != candidate {
			return "", fmt.Errorf("protocol %s disagrees: %w", p, ErrAmbiguousKey)
		}
	}
	return candidate, nil
}

func (c *KeyCodec) protocolMask(protocol Protocol) ([]byte, error) {
	if !protocol.Valid() {
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
	mask, err := c.secrets.ProtocolMask(string(protocol))
	if err != nil {
		return nil, fmt.Errorf("load %s mask: %w", protocol, err)
	}
	if len(mask) != keyLen/2 {
		return nil, fmt.Errorf("%s mask has invalid length %d", protocol, len(mask))
	}
	return mask, nil
}
