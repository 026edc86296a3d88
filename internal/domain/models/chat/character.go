package chat

// FieldKey identifies one of the character card fields that participate in
// memory assembly and field expiration.
type FieldKey string

const (
	FieldSystemPrompt FieldKey = "system_prompt"
	FieldDescription  FieldKey = "description"
	FieldPersonality  FieldKey = "personality"
	FieldScenario     FieldKey = "scenario"
	FieldMesExample   FieldKey = "mes_example"
	FieldFirstMes     FieldKey = "first_mes"
)

// KnownFields lists the card fields in their canonical assembly order.
var KnownFields = []FieldKey{
	FieldSystemPrompt,
	FieldDescription,
	FieldPersonality,
	FieldScenario,
	FieldMesExample,
	FieldFirstMes,
}

// FieldExpirationConfig controls when a single card field drops out of the
// assembled memory to save token budget.
//
// Permanent fields are never excluded regardless of level or turn count.
// Non-permanent fields expire only once BOTH gates are met: the session's
// compression level is at or above MinimumCompressionLevel AND the turn
// count has reached ExpiresAtMessage.
type FieldExpirationConfig struct {
	Permanent               bool             `json:"permanent"`
	ExpiresAtMessage        *int             `json:"expires_at_message,omitempty"`
	MinimumCompressionLevel CompressionLevel `json:"minimum_compression_level,omitempty"`
}

// Expired evaluates the expiration gates for the given level and turn count.
func (c FieldExpirationConfig) Expired(level CompressionLevel, turnCount int) bool {
	if c.Permanent {
		return false
	}
	if c.ExpiresAtMessage == nil || c.MinimumCompressionLevel == "" {
		// Both gates are required to exclude a field; an incomplete config
		// keeps the field active.
		return false
	}
	return level.AtLeast(c.MinimumCompressionLevel) && turnCount >= *c.ExpiresAtMessage
}

// FieldStatus describes how a field participated in one memory build.
type FieldStatus string

const (
	FieldActive    FieldStatus = "active"
	FieldExpired   FieldStatus = "expired"
	FieldPermanent FieldStatus = "permanent"
)

// FieldTokenInfo is the per-field record produced fresh on every memory
// build. It is never persisted; the context inspector renders it directly.
type FieldTokenInfo struct {
	FieldKey         FieldKey    `json:"field_key"`
	EstimatedTokens  int         `json:"estimated_tokens"`
	Status           FieldStatus `json:"status"`
	ExpiredAtMessage *int        `json:"expired_at_message,omitempty"`
}

// Character is a character card: the name plus the six prompt fields and
// their expiration policies. Card text may legitimately contain literal
// {{user}} / {{char}} tokens; those are resolved at assembly time.
type Character struct {
	Name       string                             `json:"name"`
	Fields     map[FieldKey]string                `json:"fields"`
	Expiration map[FieldKey]FieldExpirationConfig `json:"expiration,omitempty"`
}

// Field returns the raw card text for a key, or "" when absent.
func (c *Character) Field(key FieldKey) string {
	if c.Fields == nil {
		return ""
	}
	return c.Fields[key]
}

// ExpirationFor returns the expiration config for a key. Fields without an
// explicit config are permanent.
func (c *Character) ExpirationFor(key FieldKey) FieldExpirationConfig {
	if c.Expiration == nil {
		return FieldExpirationConfig{Permanent: true}
	}
	cfg, ok := c.Expiration[key]
	if !ok {
		return FieldExpirationConfig{Permanent: true}
	}
	return cfg
}

// Greeting returns the character's opening message, if any.
func (c *Character) Greeting() string {
	return c.Field(FieldFirstMes)
}

// Clone returns a deep copy of the card.
func (c Character) Clone() Character {
	out := c
	if c.Fields != nil {
		out.Fields = make(map[FieldKey]string, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	if c.Expiration != nil {
		out.Expiration = make(map[FieldKey]FieldExpirationConfig, len(c.Expiration))
		for k, v := range c.Expiration {
			out.Expiration[k] = v
		}
	}
	return out
}
