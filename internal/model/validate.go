package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks a campaign definition. now is used to reject schedules in the past.
func (d *Definition) Validate(now time.Time) error {
	var out appErrors.ValidationErrors

	if err := structValidator().Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			out = append(out, &appErrors.ValidationError{
				Field:   trimNamespace(fe.Namespace()),
				Message: describeTag(fe),
			})
		}
	}

	out = append(out, d.validateContent()...)
	out = append(out, d.Targeting.validate()...)

	if d.ScheduledFor != nil {
		if d.SendNow {
			out = append(out, &appErrors.ValidationError{Field: "scheduled_for", Message: "cannot be combined with send_now"})
		} else if !d.ScheduledFor.After(now) {
			out = append(out, &appErrors.ValidationError{Field: "scheduled_for", Message: "must be in the future"})
		}
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

func (d *Definition) validateContent() appErrors.ValidationErrors {
	var out appErrors.ValidationErrors
	switch d.Kind {
	case MessageKindText:
		if strings.TrimSpace(d.Content.Text) == "" {
			out = append(out, &appErrors.ValidationError{Field: "content.text", Message: "is required for text messages"})
		}
	case MessageKindMedia:
		if d.Content.Media == nil {
			out = append(out, &appErrors.ValidationError{Field: "content.media", Message: "is required for media messages"})
		}
	case MessageKindTemplate:
		if d.Content.Template == nil {
			out = append(out, &appErrors.ValidationError{Field: "content.template", Message: "is required for template messages"})
		}
	}
	return out
}

func (r *TargetingRule) validate() appErrors.ValidationErrors {
	var out appErrors.ValidationErrors
	add := func(field, msg string) {
		out = append(out, &appErrors.ValidationError{Field: field, Message: msg})
	}
	switch r.Type {
	case TargetAll:
		if r.GroupID != nil || len(r.TagIDs) > 0 || len(r.ContactIDs) > 0 {
			add("targeting", "ALL does not take group_id, tag_ids or contact_ids")
		}
	case TargetGroup:
		if r.GroupID == nil || *r.GroupID <= 0 {
			add("targeting.group_id", "is required for GROUP targeting")
		}
	case TargetTag:
		if len(r.TagIDs) == 0 {
			add("targeting.tag_ids", "at least one tag is required for TAG targeting")
		}
	case TargetCustom:
		if len(r.ContactIDs) == 0 {
			add("targeting.contact_ids", "at least one contact is required for CUSTOM targeting")
		}
	}
	if f := r.Filter; f != nil {
		if f.CreatedAfter != nil && f.CreatedBefore != nil && !f.CreatedAfter.Before(*f.CreatedBefore) {
			add("targeting.filter", "created_after must be before created_before")
		}
		for _, id := range f.RequireTagIDs {
			for _, ex := range f.ExcludeTagIDs {
				if id == ex {
					add("targeting.filter", fmt.Sprintf("tag %d is both required and excluded", id))
				}
			}
		}
	}
	return out
}

func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "url":
		return "must be a valid URL"
	}
	return "failed " + fe.Tag() + " check"
}
