package think

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/samber/lo"
)

// Parse turns a model response into a Record. It never fails: anything
// that is not a non-empty JSON object yields EmptyRecord(LogParseFailed).
//
// activated_cog_ids entries are 1-based positions into activated, given as
// "ID=<n>", "<n>" or a bare integer. Positions out of range or not numeric
// are dropped; repeats collapse to one id.
func Parse(raw string, activated []memory.Candidate) Record {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &obj); err != nil || len(obj) == 0 {
		return EmptyRecord(LogParseFailed)
	}

	rec := EmptyRecord("")
	decodeInto(obj["next_thought"], &rec.NextThought)
	decodeInto(obj["log"], &rec.Log)

	ids := memory.PositionIDs(activated)
	for _, item := range rawList(obj["activated_cog_ids"]) {
		n, ok := position(item)
		if !ok || n < 1 || n > len(ids) {
			continue
		}
		rec.ActivatedIDs = append(rec.ActivatedIDs, ids[n-1])
	}
	rec.ActivatedIDs = lo.Uniq(rec.ActivatedIDs)

	for _, item := range rawList(obj["generated_cog_texts"]) {
		var s string
		if json.Unmarshal(item, &s) == nil && strings.TrimSpace(s) != "" {
			rec.GeneratedTexts = append(rec.GeneratedTexts, s)
		}
	}

	for _, item := range rawList(obj["function_calls"]) {
		var fc FunctionCall
		if json.Unmarshal(item, &fc) != nil || fc.Name == "" {
			continue
		}
		if fc.Args == nil {
			fc.Args = map[string]any{}
		}
		rec.FunctionCalls = append(rec.FunctionCalls, fc)
	}
	return rec
}

// stripFences removes a surrounding ``` or ```json fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func decodeInto(data json.RawMessage, dst *string) {
	if len(data) > 0 {
		_ = json.Unmarshal(data, dst)
	}
}

func rawList(data json.RawMessage) []json.RawMessage {
	var items []json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &items) != nil {
		return nil
	}
	return items
}

func position(item json.RawMessage) (int, bool) {
	var s string
	if err := json.Unmarshal(item, &s); err != nil {
		var num json.Number
		if err := json.Unmarshal(item, &num); err != nil {
			return 0, false
		}
		s = num.String()
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "ID="))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
