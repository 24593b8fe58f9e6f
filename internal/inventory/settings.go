package inventory

import (
	"encoding/json"
	"fmt"
	"strconv"

	"wisefido-presence/internal/config"
)

// ApplySettings 将键值形式的参数（键为 Tunables 的 json 名）覆盖到 base 上
//
// bool 类型的键按 strconv.ParseBool 解析（接受 1/0）；其余值按数字、bool、字符串依次尝试。
// 未知键报错，避免拼写错误被静默忽略。
func ApplySettings(base config.Tunables, settings map[string]string) (config.Tunables, error) {
	if len(settings) == 0 {
		return base, nil
	}

	known := make(map[string]json.RawMessage)
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	if err := json.Unmarshal(baseJSON, &known); err != nil {
		return base, err
	}

	overlay := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		raw, ok := known[k]
		if !ok {
			return base, fmt.Errorf("%w: unknown setting %q", config.ErrInvalidTunables, k)
		}
		if isJSONBool(raw) {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return base, fmt.Errorf("%w: setting %q: %v", config.ErrInvalidTunables, k, err)
			}
			overlay[k] = b
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			overlay[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			overlay[k] = b
		} else {
			overlay[k] = v
		}
	}

	data, err := json.Marshal(overlay)
	if err != nil {
		return base, err
	}
	out := base
	if err := json.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("%w: %v", config.ErrInvalidTunables, err)
	}
	return out, nil
}

func isJSONBool(raw json.RawMessage) bool {
	v := string(raw)
	return v == "true" || v == "false"
}
