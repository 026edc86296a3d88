package chat

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"fable/internal/config"
)

// Validate checks GenerateParams.
func (p *GenerateParams) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.SessionID, validation.Required),
		validation.Field(&p.Prompt, validation.Length(0, config.MaxPromptLength)),
	)
}

// Validate checks TargetParams.
func (p *TargetParams) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.SessionID, validation.Required),
		validation.Field(&p.MessageID, validation.Required),
	)
}

// Validate checks ImpersonateParams.
func (p *ImpersonateParams) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.SessionID, validation.Required),
		validation.Field(&p.PartialText, validation.Length(0, config.MaxPromptLength)),
	)
}

// Validate checks CreateSessionParams.
func (p *CreateSessionParams) Validate() error {
	if err := validation.ValidateStruct(p,
		validation.Field(&p.UserName, validation.Required, validation.Length(1, config.MaxNameLength)),
		validation.Field(&p.Title, validation.Length(0, config.MaxSessionTitleLength)),
	); err != nil {
		return err
	}
	return validation.ValidateStruct(&p.Character,
		validation.Field(&p.Character.Name, validation.Required, validation.Length(1, config.MaxNameLength)),
	)
}
