package session

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/actions"
)

// foldPrompt builds the generation prompt for a turn. When actions ran, their
// results are handed to the model so it can describe what happened.
func foldPrompt(text string, results []actions.Result) string {
	if len(results) == 0 {
		return text
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%+v", results))
	}
	return fmt.Sprintf(
		"The user said: %q\nYou executed these commands: %s\nBriefly tell the user what you did or what result you got, then add a short comment.",
		text, encoded,
	)
}
