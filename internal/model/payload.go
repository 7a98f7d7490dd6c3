package model

// Payload is the message content. Exactly one of Text, Media or Template is
// used, selected by the campaign's MessageKind.
type Payload struct {
	Text     string           `json:"text,omitempty" validate:"max=4096"`
	Media    *MediaContent    `json:"media,omitempty"`
	Template *TemplateContent `json:"template,omitempty"`
}

type MediaContent struct {
	URL      string `json:"url" validate:"required,url"`
	Caption  string `json:"caption,omitempty" validate:"max=1024"`
	MimeType string `json:"mime_type,omitempty"`
}

// TemplateContent references a provider-approved template. Params are
// positional: Params[0] fills {{1}}.
type TemplateContent struct {
	Name     string   `json:"name" validate:"required,max=512"`
	Language string   `json:"language,omitempty" validate:"omitempty,min=2,max=15"`
	Params   []string `json:"params,omitempty" validate:"max=20"`
}

// Clone returns a deep copy so per-recipient rendering never aliases the campaign content.
func (p Payload) Clone() Payload {
	out := Payload{Text: p.Text}
	if p.Media != nil {
		m := *p.Media
		out.Media = &m
	}
	if p.Template != nil {
		t := *p.Template
		t.Params = append([]string(nil), p.Template.Params...)
		out.Template = &t
	}
	return out
}
