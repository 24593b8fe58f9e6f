// Package identity 将卫星上报的原始标识（轮换 MAC、iBeacon UUID）解析为稳定的逻辑设备身份
package identity

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"wisefido-presence/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrMalformedIdentity 标识格式错误
	ErrMalformedIdentity = errors.New("malformed identity")
	// ErrUnknownIdentity 严格模式下未登记的标识
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Canonicalize 规范化原始标识
//
// MAC 统一为大写冒号分隔（AA:BB:CC:DD:EE:FF），UUID 统一为大写 8-4-4-4-12。
// kind 为空时按格式识别。
func Canonicalize(raw string, kind models.IdentityKind) (string, models.IdentityKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty identifier", ErrMalformedIdentity)
	}

	switch kind {
	case models.KindMAC:
		key, err := canonicalMAC(raw)
		return key, models.KindMAC, err
	case models.KindBeaconUUID:
		key, err := canonicalUUID(raw)
		return key, models.KindBeaconUUID, err
	case "":
		if key, err := canonicalMAC(raw); err == nil {
			return key, models.KindMAC, nil
		}
		if key, err := canonicalUUID(raw); err == nil {
			return key, models.KindBeaconUUID, nil
		}
		return "", "", fmt.Errorf("%w: %q is neither MAC nor UUID", ErrMalformedIdentity, raw)
	default:
		return "", "", fmt.Errorf("%w: unsupported kind %q", ErrMalformedIdentity, kind)
	}
}

func canonicalMAC(raw string) (string, error) {
	// 兼容无分隔符的 12 位十六进制
	if len(raw) == 12 && isHex(raw) {
		var b strings.Builder
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(raw[i : i+2])
		}
		raw = b.String()
	}
	hw, err := net.ParseMAC(raw)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: invalid MAC %q", ErrMalformedIdentity, raw)
	}
	return strings.ToUpper(hw.String()), nil
}

func canonicalUUID(raw string) (string, error) {
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid UUID %q", ErrMalformedIdentity, raw)
	}
	return strings.ToUpper(u.String()), nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
