package memory

import (
	"fmt"
	"strings"
)

// FormatNumbered renders activated units as the numbered list the model
// refers back to: one "ID=<n>. <content>" line per unit, counting from 1.
func FormatNumbered(units []Candidate) string {
	var b strings.Builder
	for i, u := range units {
		fmt.Fprintf(&b, "ID=%d. %s\n", i+1, u.Content)
	}
	return b.String()
}

// PositionIDs maps 1-based prompt positions to unit ids.
func PositionIDs(units []Candidate) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}
