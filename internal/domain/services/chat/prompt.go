package chat

import (
	"fable/internal/domain/models/chat"
)

// AssembleInput carries everything one prompt assembly needs. Memory and
// PrefixText arrive pre-built from the memory builder and the compressor;
// the assembler only renders and concatenates.
type AssembleInput struct {
	Memory                  string
	PrefixText              string
	RecentTurns             []*chat.Message
	Template                *chat.ChatTemplate
	CharacterName           string
	UserName                string
	SessionNotes            string
	PostHistoryInstructions string

	// ResponderName overrides whose turn marker closes the prompt. Empty
	// means the character responds; impersonation sets it to the user's name.
	ResponderName string
}

// AssembleResult is one assembled prompt. Prompt carries the formatted
// history, steering text and the trailing turn marker; History is the same
// recent window as structured entries for backends that accept it natively.
type AssembleResult struct {
	Prompt  string
	History []HistoryEntry
}

// PromptAssembler renders the final prompt string for a generation request:
// summarized prefix, formatted recent turns, post-history instructions and
// the trailing character turn marker, per the active chat template.
//
// Like the memory builder it is pure: no I/O, safe for speculative preview.
type PromptAssembler interface {
	Assemble(input *AssembleInput) *AssembleResult

	// TurnMarker returns the trailing marker appended to coax the model into
	// answering as the character. The stream decoder strips its echo.
	TurnMarker(characterName string) string
}
