package think

import (
	"strings"

	"github.com/lexobe/CogLoop/internal/memory"
)

// Prompts are the parts of the system instruction. Any empty part falls
// back to its default.
type Prompts struct {
	Role     string `json:"role" yaml:"role"`
	Format   string `json:"format" yaml:"format"`
	Thinking string `json:"thinking" yaml:"thinking"`
	Example  string `json:"example" yaml:"example"`
}

const defaultRole = "You are a cognitive analysis system. You extract the key information from the input " +
	"and produce structured thinking. You must return results strictly in the required JSON format."

const defaultFormat = `You must return results strictly in the following JSON format:
{
  "next_thought": "the focus of the next round of thinking, or empty to stop",
  "activated_cog_ids": ["sequence numbers of the cognitions actually used"],
  "log": "thinking log",
  "generated_cog_texts": ["new cognition texts"],
  "function_calls": [{"name": "function name", "args": {"argument": "value"}}]
}`

const defaultThinking = `While thinking, keep in mind:
1. A cognition is an abstract viewpoint or pattern summarized from the input
2. Generated cognition texts should be concise, clear and general
3. The log should record the important reasoning steps and decisions
4. Function calls must be concrete and carry every required argument
5. List in activated_cog_ids the IDs of the cognitions actually used for the answer
6. Return results strictly in the required JSON format`

const defaultExample = `Example input: 'Artificial intelligence is changing the way we live'
Example output:
{
  "next_thought": "In which concrete areas does this change show up?",
  "activated_cog_ids": [1, 2],
  "log": "Identified a technology-change theme; its concrete effects need exploring",
  "generated_cog_texts": ["Technological change often starts in daily life", "The impact of AI is broad and far-reaching"],
  "function_calls": []
}`

// DefaultPrompts returns the built-in instruction parts.
func DefaultPrompts() Prompts {
	return Prompts{
		Role:     defaultRole,
		Format:   defaultFormat,
		Thinking: defaultThinking,
		Example:  defaultExample,
	}
}

// System joins the parts into the system instruction.
func (p Prompts) System() string {
	def := DefaultPrompts()
	parts := []string{
		pick(p.Role, def.Role),
		pick(p.Format, def.Format),
		pick(p.Thinking, def.Thinking),
		pick(p.Example, def.Example),
	}
	return strings.Join(parts, "\n\n")
}

// SystemPrompt returns the default system instruction.
func SystemPrompt() string {
	return DefaultPrompts().System()
}

// BuildUserPrompt renders the query and the numbered activated units.
func BuildUserPrompt(query string, activated []memory.Candidate) string {
	var b strings.Builder
	b.WriteString("Based on the following cognitions, think and answer: ")
	b.WriteString(query)
	b.WriteString("\n\nRelated cognitions:\n")
	b.WriteString(memory.FormatNumbered(activated))
	b.WriteString("\nPlease think deeply based on the above cognitions and give your insights. " +
		"Use the original cognitive element sequence number in activated_cog_ids.")
	return b.String()
}

func pick(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
