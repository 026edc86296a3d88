package config

const (
	// MaxSessionTitleLength is the maximum length for session titles.
	// Limited to 255 to fit in PostgreSQL VARCHAR(255) and provide
	// reasonable UX (titles should be short and descriptive).
	MaxSessionTitleLength = 255

	// MaxNameLength is the maximum length for character and user display
	// names. Names appear inline in every formatted history line, so they
	// are kept short.
	MaxNameLength = 128

	// MaxPromptLength is the maximum length for a single user prompt or
	// impersonation partial. Large enough for pasted passages, small enough
	// to reject runaway client payloads.
	MaxPromptLength = 32768
)
