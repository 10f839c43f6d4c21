package llm

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxSelectionLen  = 4 * 1024   // 4KB
	maxExtractionLen = 128 * 1024 // 128KB
)

// StageSelection is the tagged result of a selection call: either a
// recognized stage id or the raw text that matched nothing.
type StageSelection struct {
	Recognized bool
	StageID    string
	Raw        string
}

// Extraction is the tagged result of an extraction call. Payload is set only
// when Parsed; Raw always holds the model output.
type Extraction struct {
	Parsed  bool
	Payload json.RawMessage
	Raw     string
}

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*(.*?)```")

// ParseStageSelection matches selection output against the business's
// stages. Accepted forms, in order: the bare stage name or id, a JSON object
// naming it under "stage", "stage_id" or "name", and a single unambiguous
// whole-word mention of one stage name. Matching ignores case.
func ParseStageSelection(raw string, stages []model.Stage) StageSelection {
	res := StageSelection{Raw: raw}
	text := strings.TrimSpace(raw)
	if text == "" || len(stages) == 0 {
		return res
	}
	if len(text) > maxSelectionLen {
		logx.Warn().
			Str("component", "selection_parser").
			Int("max_len", maxSelectionLen).
			Int("orig_len", len(text)).
			Msg("selection output truncated due to size limit")
		text = text[:maxSelectionLen]
	}

	candidates := []string{cleanToken(text)}
	if obj := firstJSON(text); obj != nil {
		var m map[string]any
		if err := json.Unmarshal(obj, &m); err == nil {
			for _, k := range []string{"stage", "stage_id", "stage_name", "name"} {
				if s, ok := m[k].(string); ok {
					candidates = append(candidates, cleanToken(s))
				}
			}
		}
	}
	for _, c := range candidates {
		if id, ok := exactStage(c, stages); ok {
			res.Recognized, res.StageID = true, id
			return res
		}
	}

	if id, ok := mentionedStage(text, stages); ok {
		res.Recognized, res.StageID = true, id
	}
	return res
}

func cleanToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`\"'*.!,;: \t\r\n")
	return strings.TrimSpace(s)
}

func exactStage(token string, stages []model.Stage) (string, bool) {
	if token == "" {
		return "", false
	}
	for _, s := range stages {
		if strings.EqualFold(token, s.ID) || (s.Name != "" && strings.EqualFold(token, s.Name)) {
			return s.ID, true
		}
	}
	return "", false
}

func mentionedStage(text string, stages []model.Stage) (string, bool) {
	found := ""
	for _, s := range stages {
		if s.Name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(^|[^\pL\pN_])` + regexp.QuoteMeta(s.Name) + `($|[^\pL\pN_])`)
		if err != nil || !re.MatchString(text) {
			continue
		}
		if found != "" && found != s.ID {
			return "", false
		}
		found = s.ID
	}
	return found, found != ""
}

// ParseExtraction looks for a JSON object or array in extraction output:
// the whole text, then fenced code blocks, then a repaired fragment starting
// at the first opener. Scalars and prose are unparsed.
func ParseExtraction(raw string) Extraction {
	res := Extraction{Raw: raw}
	text := strings.TrimSpace(raw)
	if text == "" || !utf8.ValidString(text) {
		return res
	}
	if len(text) > maxExtractionLen {
		logx.Warn().
			Str("component", "extraction_parser").
			Int("max_len", maxExtractionLen).
			Int("orig_len", len(text)).
			Msg("extraction output too large; left unparsed")
		return res
	}

	if p := structured(text); p != nil {
		res.Parsed, res.Payload = true, p
		return res
	}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if p := structured(strings.TrimSpace(m[1])); p != nil {
			res.Parsed, res.Payload = true, p
			return res
		}
	}
	if p := firstJSON(text); p != nil {
		res.Parsed, res.Payload = true, p
	}
	return res
}

// structured returns s compacted when it is a JSON object or array.
func structured(s string) json.RawMessage {
	if s == "" || (s[0] != '{' && s[0] != '[') || !json.Valid([]byte(s)) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil
	}
	return buf.Bytes()
}

// firstJSON extracts an object or array embedded in prose, repairing it
// when needed.
func firstJSON(text string) json.RawMessage {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil
	}
	tail := text[start:]
	closer := "}"
	if tail[0] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(tail, closer); end > 0 {
		if p := structured(tail[:end+1]); p != nil {
			return p
		}
	}
	for _, candidate := range []string{tail, trimAfterLastCloser(tail, closer)} {
		if candidate == "" {
			continue
		}
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			continue
		}
		if p := structured(strings.TrimSpace(repaired)); p != nil {
			return p
		}
	}
	return nil
}

func trimAfterLastCloser(s, closer string) string {
	if end := strings.LastIndex(s, closer); end > 0 {
		return s[:end+1]
	}
	return ""
}
