package oracle

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/ChuLiYu/button-agent/pkg/types"
	"github.com/tidwall/gjson"
)

// rawReasonLimit 解析失敗時放入 reason 的原始文字長度上限
const rawReasonLimit = 200

// Parse 將回應文件解析為 Decision
//
// 接受的格式：
//
//	{"decision_type": "run_button", "button_name": "...", "reason": "...",
//	 "new_button_spec": {...}, "alert_message": "..."}
//
// "decision" 可作為 "decision_type" 的別名。文件前後夾雜其他文字時（例如
// markdown code fence），取最外層的 {...}。無法解析、標籤未知或缺少對應
// 載荷的文件一律轉為 Wait，reason 帶上截斷後的原始文字。
func Parse(raw []byte) Decision {
	doc, ok := extractDocument(raw)
	if !ok {
		return parseFailure(raw)
	}

	tag := gjson.GetBytes(doc, "decision_type")
	if !tag.Exists() {
		tag = gjson.GetBytes(doc, "decision")
	}
	reason := gjson.GetBytes(doc, "reason").String()

	switch DecisionType(tag.String()) {
	case TypeRunTask:
		target := gjson.GetBytes(doc, "button_name")
		if target.Type != gjson.String || target.String() == "" {
			return parseFailure(raw)
		}
		return RunTask{Target: target.String(), Reason: reason}

	case TypeProposeTask:
		spec := gjson.GetBytes(doc, "new_button_spec")
		if !spec.IsObject() {
			return parseFailure(raw)
		}
		var def types.TaskDefinition
		if err := json.Unmarshal([]byte(spec.Raw), &def); err != nil {
			return parseFailure(raw)
		}
		def.Normalize()
		return ProposeTask{Definition: def, Reason: reason}

	case TypeAlert:
		msg := gjson.GetBytes(doc, "alert_message")
		if msg.Type != gjson.String || msg.String() == "" {
			return parseFailure(raw)
		}
		return Alert{Message: msg.String(), Reason: reason}

	case TypeWait:
		return Wait{Reason: reason}
	}
	return parseFailure(raw)
}

// extractDocument 回傳可解析的 JSON 物件
func extractDocument(raw []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if gjson.ValidBytes(trimmed) && gjson.ParseBytes(trimmed).IsObject() {
		return trimmed, true
	}
	start := bytes.IndexByte(trimmed, '{')
	end := bytes.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	inner := trimmed[start : end+1]
	if !gjson.ValidBytes(inner) {
		return nil, false
	}
	return inner, true
}

func parseFailure(raw []byte) Decision {
	return Wait{Reason: "oracle response parsing failed: " + truncate(string(raw), rawReasonLimit)}
}

// truncate 依字元（rune）截斷，避免切斷多位元組字元
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
