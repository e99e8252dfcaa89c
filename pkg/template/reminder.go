package template

import (
	"bytes"
	"fmt"
	text "text/template"
)

const DefaultReminder = "⏰ [Reminder #{{.Count}}] {{.Recipient}} please take action"

// ReminderData is what a reminder template can reference.
type ReminderData struct {
	ID        string
	Env       string
	Recipient string
	Count     int
	Max       int
}

type Reminder struct {
	tmpl *text.Template
}

// NewReminder parses src, falling back to DefaultReminder when src is empty.
func NewReminder(src string) (*Reminder, error) {
	if src == "" {
		src = DefaultReminder
	}
	t, err := text.New("reminder").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reminder template: %w", err)
	}
	return &Reminder{tmpl: t}, nil
}

func (r *Reminder) Render(data ReminderData) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render reminder template: %w", err)
	}
	return buf.String(), nil
}
