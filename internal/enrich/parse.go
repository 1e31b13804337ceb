package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerline/remitscan/internal/model"
)

// ParseError reports model output that no parse strategy could turn
// into a field set. The raw text is kept for diagnostics.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("enrich: unparseable model output: %s", e.Reason)
}

// ParseFields extracts the four receipt fields from model output.
// Strategies are tried in order: a fenced ```json block, then the
// outermost brace span. Only a JSON object counts as a parse; missing
// keys come back as empty strings rather than an error.
func ParseFields(text string) (model.Fields, error) {
	for _, candidate := range candidates(text) {
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		return model.Fields{
			TransactionTime: fieldString(raw["交易时间"]),
			PayerName:       fieldString(raw["付款户名"]),
			PayeeName:       fieldString(raw["收款户名"]),
			Amount:          fieldString(raw["收款金额"]),
		}, nil
	}
	return model.Fields{}, &ParseError{Raw: text, Reason: "no JSON object found"}
}

// fieldString tolerates both string and number values; a model that
// writes 收款金额 as a bare number still parses. Missing keys and other
// value types come back empty.
func fieldString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// candidates yields parse attempts from most to least specific.
func candidates(text string) []string {
	var out []string
	if fenced, ok := fencedBlock(text); ok {
		out = append(out, fenced)
	}
	if span, ok := braceSpan(text); ok {
		out = append(out, span)
	}
	return out
}

// fencedBlock pulls the body of the first ```json (or bare ```) fence.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start == -1 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 && strings.EqualFold(strings.TrimSpace(rest[:nl]), "json") {
		rest = rest[nl+1:]
	} else if strings.HasPrefix(rest, "json") {
		rest = rest[4:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// braceSpan returns the text between the first '{' and the last '}'.
func braceSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
