package tracing

import "strings"

// span 属性长度上限（按字符计）
const (
	DefaultMaxLength    = 200
	MaxRedisLength      = 100
	MaxTranscriptLength = 150 // 候选人回答
	MaxPromptLength     = 300 // 提示词和模型原始输出
)

// 属性名包含这些词时值会被掩码
var sensitiveNames = []string{"api_key", "apikey", "authorization", "token", "secret", "password", "email", "phone"}

// SafeAttributeValue 敏感属性掩码，其余截断到 maxLength
func SafeAttributeValue(name, value string, maxLength int) string {
	lower := strings.ToLower(name)
	for _, s := range sensitiveNames {
		if strings.Contains(lower, s) {
			return MaskPII(value)
		}
	}
	return TruncateString(value, maxLength)
}

// MaskPII 只保留首尾各两个字符，短值全部掩码
func MaskPII(value string) string {
	r := []rune(value)
	switch {
	case len(r) == 0:
		return ""
	case len(r) <= 4:
		return strings.Repeat("*", len(r))
	default:
		return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
	}
}

// TruncateString 超长时保留头尾，中间以 ... 连接
func TruncateString(s string, maxLength int) string {
	r := []rune(s)
	if len(r) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(r[:maxLength])
	}
	head := (maxLength - 3) / 2
	tail := maxLength - 3 - head
	return string(r[:head]) + "..." + string(r[len(r)-tail:])
}

func SafeRedisKey(key string) string { return TruncateString(key, MaxRedisLength) }

func SafeTranscript(text string) string { return TruncateString(text, MaxTranscriptLength) }

func SafePrompt(prompt string) string { return TruncateString(prompt, MaxPromptLength) }
