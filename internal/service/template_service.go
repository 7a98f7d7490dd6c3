// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// RenderTemplate replaces {key} placeholders with values from data. Unknown
// placeholders are left untouched.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// RenderPayload personalizes a campaign payload for one recipient. Template
// params are rendered position by position so their order is preserved.
func RenderPayload(p model.Payload, vars map[string]string) model.Payload {
	out := p.Clone()
	out.Text = RenderTemplate(out.Text, vars)
	if out.Media != nil {
		out.Media.Caption = RenderTemplate(out.Media.Caption, vars)
	}
	if out.Template != nil {
		for i, param := range out.Template.Params {
			out.Template.Params[i] = RenderTemplate(param, vars)
		}
	}
	return out
}
