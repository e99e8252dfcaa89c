package types

import (
	"fmt"
	"strings"
)

const traceFieldPrefix = "otel_"

// Stream field names of an encoded envelope.
const (
	FieldEnv            = "env"
	FieldNotificationID = "notification_id"
	FieldTemplate       = "template"
	FieldMainText       = "main_text"
	FieldSubText        = "sub_text"
	FieldRecipient      = "recipient"
	FieldStatus         = "status"
)

// MalformedError reports why a log entry could not be turned into an Envelope.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope: %s %s", e.Field, e.Reason)
}

// Fields flattens the envelope into stream entry fields.
func (e Envelope) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		FieldEnv:       string(e.Env),
		FieldTemplate:  string(e.Template),
		FieldMainText:  e.MainText,
		FieldSubText:   e.SubText,
		FieldRecipient: e.Recipient,
		FieldStatus:    string(e.Status),
	}
	if e.NotificationID != "" {
		fields[FieldNotificationID] = e.NotificationID
	}
	for k, v := range e.Trace {
		fields[traceFieldPrefix+k] = v
	}
	return fields
}

// DecodeEnvelope rebuilds and validates an envelope from stream entry fields.
// The env the entry was read from wins over any env field it carries.
func DecodeEnvelope(env Env, values map[string]interface{}) (Envelope, error) {
	str := func(key string) (string, error) {
		raw, ok := values[key]
		if !ok || raw == nil {
			return "", nil
		}
		s, ok := raw.(string)
		if !ok {
			return "", &MalformedError{Field: key, Reason: "is not a string"}
		}
		return strings.TrimSpace(s), nil
	}

	var (
		e   = Envelope{Env: env}
		err error
		tpl string
		sev string
	)
	if e.NotificationID, err = str(FieldNotificationID); err != nil {
		return e, err
	}
	if tpl, err = str(FieldTemplate); err != nil {
		return e, err
	}
	if e.MainText, err = str(FieldMainText); err != nil {
		return e, err
	}
	if e.SubText, err = str(FieldSubText); err != nil {
		return e, err
	}
	if e.Recipient, err = str(FieldRecipient); err != nil {
		return e, err
	}
	if sev, err = str(FieldStatus); err != nil {
		return e, err
	}
	if claimed, _ := str(FieldEnv); claimed != "" && Env(claimed) != env {
		return e, &MalformedError{Field: FieldEnv, Reason: fmt.Sprintf("%q does not match log %q", claimed, env)}
	}

	for k, raw := range values {
		if !strings.HasPrefix(k, traceFieldPrefix) {
			continue
		}
		if s, ok := raw.(string); ok {
			if e.Trace == nil {
				e.Trace = make(map[string]string)
			}
			e.Trace[strings.TrimPrefix(k, traceFieldPrefix)] = s
		}
	}

	e.Template = Template(tpl)
	e.Status = NormalizeSeverity(sev)
	return e, e.Validate()
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch e.Template {
	case TemplateText, TemplateAction:
	case "":
		return &MalformedError{Field: FieldTemplate, Reason: "is required"}
	default:
		return &MalformedError{Field: FieldTemplate, Reason: fmt.Sprintf("must be text or action, got %q", e.Template)}
	}
	if e.MainText == "" {
		return &MalformedError{Field: FieldMainText, Reason: "is required"}
	}
	if e.Template == TemplateAction && e.Recipient == "" {
		return &MalformedError{Field: FieldRecipient, Reason: "is required for action template"}
	}
	return nil
}

// NormalizeSeverity maps unknown severities to info.
func NormalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeveritySuccess, SeverityError, SeverityInfo:
		return Severity(s)
	default:
		return SeverityInfo
	}
}
