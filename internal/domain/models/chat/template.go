package chat

// ChatTemplate controls how memory, history lines and stop sequences are
// rendered for a given model family. Templates are supplied by external
// settings collaborators (or the embedded preset registry); this subsystem
// only consumes them.
//
// Format strings use {{name}} and {{message}} placeholders for history
// lines. MemoryFormat, when present, uses {{key}} placeholders for the card
// fields plus {{user}} and {{char}}; an unknown key is a substitution error
// and falls back to the fixed assembly order.
type ChatTemplate struct {
	Name            string   `json:"name" yaml:"name"`
	SystemFormat    string   `json:"system_format" yaml:"system_format"`
	UserFormat      string   `json:"user_format" yaml:"user_format"`
	AssistantFormat string   `json:"assistant_format" yaml:"assistant_format"`
	MemoryFormat    string   `json:"memory_format,omitempty" yaml:"memory_format"`
	StopSequences   []string `json:"stop_sequences,omitempty" yaml:"stop_sequences"`
}

// DefaultTemplate is the plain "Name: message" template used when a session
// names no preset.
func DefaultTemplate() *ChatTemplate {
	return &ChatTemplate{
		Name:            "plain",
		SystemFormat:    "{{message}}",
		UserFormat:      "{{name}}: {{message}}",
		AssistantFormat: "{{name}}: {{message}}",
	}
}
