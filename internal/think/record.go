package think

// Log markers for degraded records.
const (
	LogParseFailed = "Parse response failed"
	LogLLMFailed   = "LLM call failed"
)

// FunctionCall is an action requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Record is the canonical result of one think cycle. ActivatedIDs holds
// real unit ids, already translated from the prompt's positions.
type Record struct {
	NextThought    string         `json:"next_thought"`
	ActivatedIDs   []string       `json:"activated_cog_ids"`
	Log            string         `json:"log"`
	GeneratedTexts []string       `json:"generated_cog_texts"`
	FunctionCalls  []FunctionCall `json:"function_calls"`
}

// EmptyRecord returns a record with no content and the given log line.
// Slices are non-nil so the record encodes as empty JSON arrays.
func EmptyRecord(log string) Record {
	return Record{
		ActivatedIDs:   []string{},
		Log:            log,
		GeneratedTexts: []string{},
		FunctionCalls:  []FunctionCall{},
	}
}

// Empty reports whether the record asks for no side effects.
func (r Record) Empty() bool {
	return len(r.ActivatedIDs) == 0 && len(r.GeneratedTexts) == 0 && len(r.FunctionCalls) == 0
}
