package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// staticMasks 测试用固定掩码源
type staticMasks map[string][]byte

func (m staticMasks) ProtocolMask(protocol string) ([]byte, error) {
	mask, ok := m[protocol]
	if !ok {
		return nil, fmt.Errorf("no mask for %s", protocol)
	}
	return mask, nil
}

func testMasks(t *testing.T) staticMasks {
	t.Helper()
	vmess, _ := hex.DecodeString("00112233445566778899aabbccddeeff")
	vless, _ := hex.DecodeString("ffeeddccbbaa99887766554433221100")
	return staticMasks{"vmess": vmess, "vless": vless}
}

func TestKeyUUIDRoundTrip(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))

	for i := 0; i < 100; i++ {
		key, err := codec.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}

		for _, protocol := range AllProtocols {
			id, err := codec.KeyToUUID(key, protocol)
			if err != nil {
				t.Fatal(err)
			}

			back, err := codec.UUIDToKey(id, protocol)
			if err != nil {
				t.Fatal(err)
			}

			if back != key {
				t.Errorf("protocol %s: expected %s, got %s", protocol, key, back)
			}
		}
	}
}

func TestCrossProtocolDivergence(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))

	key, err := codec.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	vmessID, err := codec.KeyToUUID(key, ProtocolVMess)
	if err != nil {
		t.Fatal(err)
	}
	vlessID, err := codec.KeyToUUID(key, ProtocolVLESS)
	if err != nil {
		t.Fatal(err)
	}

	if vmessID == vlessID {
		t.Errorf("expected distinct identities per protocol, both are %s", vmessID)
	}
}

func TestNormalizeKey(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))
	valid := "00112233445566778899aabbccddeeff"

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"规范键原样通过", valid, valid, false},
		{"首尾空白被去除", "  " + valid + "\t\n", valid, false},
		{"大写被转为小写", strings.ToUpper(valid), valid, false},
		{"过短被拒绝", valid[:31], "", true},
		{"过长被拒绝", valid + "0", "", true},
		{"非hex被拒绝", "zz112233445566778899aabbccddeeff", "", true},
		{"空串被拒绝", "", "", true},
		{"纯空白被拒绝", "   ", "", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.NormalizeKey(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKeyFormat) {
					t.Errorf("expected ErrInvalidKeyFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNormalizeKeyIdempotent(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))

	once, err := codec.NormalizeKey("  00112233445566778899AABBCCDDEEFF ")
	if err != nil {
		t.Fatal(err)
	}
	twice, err := codec.NormalizeKey(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Errorf("expected %s, got %s", once, twice)
	}
}

func TestGenerateKeyUniqueness(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		key, err := codec.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		if len(key) != 32 {
			t.Fatalf("expected 32 chars, got %d", len(key))
		}
		if key != strings.ToLower(key) {
			t.Fatalf("expected lowercase hex, got %s", key)
		}
		if _, err := hex.DecodeString(key); err != nil {
			t.Fatalf("expected hex, got %s", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key after %d generations: %s", i, key)
		}
		seen[key] = struct{}{}
	}
}

func TestDeriveKey(t *testing.T) {
	codec := NewKeyCodec(testMasks(t))

	key, err := codec.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	vmessID, err := codec.KeyToUUID(key, ProtocolVMess)
	if err != nil {
		t.Fatal(err)
	}
	vlessID, err := codec.KeyToUUID(key, ProtocolVLESS)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("全协议一致时返回键", func(t *testing.T) {
		got, err := codec.DeriveKey(map[Protocol]uuid.UUID{
			ProtocolVMess: vmessID,
			ProtocolVLESS: vlessID,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got != key {
			t.Errorf("expected %s, got %s", key, got)
		}
	})

	t.Run("单协议直接采用", func(t *testing.T) {
		got, err := codec.DeriveKey(map[Protocol]uuid.UUID{
			ProtocolVLESS: vlessID,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got != key {
			t.Errorf("expected %s, got %s", key, got)
		}
	})

	t.Run("不一致返回歧义错误", func(t *testing.T) {
		otherKey, err := codec.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		otherVLESS, err := codec.KeyToUUID(otherKey, ProtocolVLESS)
		if err != nil {
			t.Fatal(err)
		}

		_, err = codec.DeriveKey(map[Protocol]uuid.UUID{
			ProtocolVMess: vmessID,
			ProtocolVLESS: otherVLESS,
		})
		if !errors.Is(err, ErrAmbiguousKey) {
			t.Errorf("expected ErrAmbiguousKey, got %v", err)
		}
	})

	t.Run("空输入被拒绝", func(t *testing.T) {
		_, err := codec.DeriveKey(map[Protocol]uuid.UUID{})
		if !errors.Is(err, ErrInvalidKeyFormat) {
			t.Errorf("expected ErrInvalidKeyFormat, got %v", err)
		}
	})
}
