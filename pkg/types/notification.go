package types

import (
	"fmt"
	"slices"
	"strings"
)

// Env names an isolation namespace. Records, logs and indices of different
// environments never interact.
type Env string

const (
	EnvDev  Env = "dev"
	EnvUAT  Env = "uat"
	EnvProd Env = "prod"
)

// AllEnvs is the default set of environments.
var AllEnvs = []Env{EnvDev, EnvUAT, EnvProd}

func ParseEnv(s string) (Env, error) {
	env := Env(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllEnvs, env) {
		return "", fmt.Errorf("unknown environment %q", s)
	}
	return env, nil
}

// Template decides how a notification is presented and whether it needs an
// acknowledgment.
type Template string

const (
	TemplateText   Template = "text"
	TemplateAction Template = "action"
)

// Severity colors the delivered message. It is unrelated to the lifecycle
// status of a notification record.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Envelope is one ingress unit read from an environment's log.
type Envelope struct {
	Env            Env      `json:"env"`
	NotificationID string   `json:"notification_id,omitempty"`
	Template       Template `json:"template"`
	MainText       string   `json:"main_text"`
	SubText        string   `json:"sub_text,omitempty"`
	Recipient      string   `json:"recipient,omitempty"`
	Status         Severity `json:"status,omitempty"`

	// Trace carries propagated trace context (W3C headers).
	Trace map[string]string `json:"-"`
}

// ActionCallback is the inbound resolution request produced by the recipient
// surface when a user acts on a notification.
type ActionCallback struct {
	ID        string `json:"id" binding:"required"`
	Env       Env    `json:"env,omitempty"`
	ThreadRef string `json:"thread_ref,omitempty"`
	Actor     string `json:"actor,omitempty"`
}

// PublishRequest is the producer-facing payload accepted by the publish API.
type PublishRequest struct {
	MainText  string `json:"main_text" binding:"required"`
	SubText   string `json:"sub_text"`
	Template  string `json:"template" binding:"required"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
}
