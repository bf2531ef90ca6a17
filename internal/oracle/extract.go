package oracle

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ExtractJSON 从模型的自由文本中取出第一个完整的 JSON 对象或数组。
// 先去掉 BOM，按字符串感知的括号匹配截取，解析失败时修复一次未转义的内部引号。
func ExtractJSON(text string) (json.RawMessage, bool) {
	text = strings.TrimPrefix(text, "\uFEFF")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	for start := 0; start < len(text); {
		idx := strings.IndexAny(text[start:], "{[")
		if idx < 0 {
			return nil, false
		}
		open := start + idx

		// 未转义的内部引号会打乱字符串感知的匹配，此时退回到只数括号
		for _, stringAware := range []bool{true, false} {
			candidate := matchBalanced(text, open, stringAware)
			if candidate == "" {
				continue
			}
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), true
			}
			if fixed := sanitizeJSON(candidate); json.Valid([]byte(fixed)) {
				return json.RawMessage(fixed), true
			}
		}
		start = open + 1
	}
	return nil, false
}

// matchBalanced 返回从 open 开始、括号配平的子串；找不到闭合时返回空串。
// stringAware 为 true 时字符串字面量中的括号不计入层级。
func matchBalanced(text string, open int, stringAware bool) string {
	var stack []byte
	inStr := false
	escaped := false

	for i := open; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}

		switch c {
		case '"':
			inStr = stringAware
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return ""
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[open : i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 会遍历 src，将任何位于字符串字面量内部但并非"真正结束"的双引号写成 \",
// 通过检查下一个非空白字符是否为 :, ], }, 或 , 来判断该 " 是否为字符串的结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
			escaped = false
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
