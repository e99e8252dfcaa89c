package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jsndz/ackbus/pkg/types"
)

// RecordSchemaVersion is written into every stored record. Readers refuse
// records from a newer schema instead of silently dropping fields.
const RecordSchemaVersion = 1

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// AutoResolver marks records that never needed an acknowledgment.
const AutoResolver = "auto"

// NotificationRecord is the per-notification lifecycle state.
type NotificationRecord struct {
	SchemaVersion    int            `json:"schema_version"`
	ID               string         `json:"id"`
	Env              types.Env      `json:"env"`
	Recipient        string         `json:"recipient"`
	ThreadRef        string         `json:"thread_ref"`
	Template         types.Template `json:"template"`
	CreatedTime      time.Time      `json:"created_time"`
	Status           Status         `json:"status"`
	ReminderCount    int            `json:"reminder_count"`
	LastReminderTime time.Time      `json:"last_reminder_time"`
	ResolvedTime     *time.Time     `json:"resolved_time,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
}

// Hash field names.
const (
	fieldSchemaVersion    = "schema_version"
	fieldID               = "id"
	fieldEnv              = "env"
	fieldRecipient        = "recipient"
	fieldThreadRef        = "thread_ref"
	fieldTemplate         = "template"
	fieldCreatedTime      = "created_time"
	fieldStatus           = "status"
	fieldReminderCount    = "reminder_count"
	fieldLastReminderTime = "last_reminder_time"
	fieldResolvedTime     = "resolved_time"
	fieldResolvedBy       = "resolved_by"
)

// ToHash encodes the record as flat hash fields. Times are unix milliseconds,
// zero meaning unset.
func (r *NotificationRecord) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		fieldSchemaVersion:    RecordSchemaVersion,
		fieldID:               r.ID,
		fieldEnv:              string(r.Env),
		fieldRecipient:        r.Recipient,
		fieldThreadRef:        r.ThreadRef,
		fieldTemplate:         string(r.Template),
		fieldCreatedTime:      millis(r.CreatedTime),
		fieldStatus:           string(r.Status),
		fieldReminderCount:    r.ReminderCount,
		fieldLastReminderTime: millis(r.LastReminderTime),
		fieldResolvedTime:     int64(0),
		fieldResolvedBy:       r.ResolvedBy,
	}
	if r.ResolvedTime != nil {
		h[fieldResolvedTime] = millis(*r.ResolvedTime)
	}
	return h
}

// RecordFromHash decodes a record written by ToHash.
func RecordFromHash(h map[string]string) (*NotificationRecord, error) {
	version, err := atoi(h, fieldSchemaVersion)
	if err != nil {
		return nil, err
	}
	if version > RecordSchemaVersion {
		return nil, fmt.Errorf("record schema version %d is newer than supported %d", version, RecordSchemaVersion)
	}
	count, err := atoi(h, fieldReminderCount)
	if err != nil {
		return nil, err
	}
	created, err := atoms(h, fieldCreatedTime)
	if err != nil {
		return nil, err
	}
	last, err := atoms(h, fieldLastReminderTime)
	if err != nil {
		return nil, err
	}
	resolved, err := atoms(h, fieldResolvedTime)
	if err != nil {
		return nil, err
	}

	r := &NotificationRecord{
		SchemaVersion:    version,
		ID:               h[fieldID],
		Env:              types.Env(h[fieldEnv]),
		Recipient:        h[fieldRecipient],
		ThreadRef:        h[fieldThreadRef],
		Template:         types.Template(h[fieldTemplate]),
		CreatedTime:      created,
		Status:           Status(h[fieldStatus]),
		ReminderCount:    count,
		LastReminderTime: last,
		ResolvedBy:       h[fieldResolvedBy],
	}
	if !resolved.IsZero() {
		r.ResolvedTime = &resolved
	}
	if r.ID == "" {
		return nil, fmt.Errorf("record is missing %s", fieldID)
	}
	return r, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func atoi(h map[string]string, key string) (int, error) {
	v, ok := h[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("record field %s: %w", key, err)
	}
	return n, nil
}

func atoms(h map[string]string, key string) (time.Time, error) {
	v, ok := h[key]
	if !ok || v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("record field %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DeliveryAttempt is one outbound call to the recipient surface, kept in the
// audit ledger.
type DeliveryAttempt struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	NotificationID string    `gorm:"size:100;not null;index"`
	Env            string    `gorm:"size:10;not null;index"`
	Kind           string    `gorm:"size:20;not null"` // initial, reminder, resolve
	Provider       string    `gorm:"size:50;not null"`
	Status         string    `gorm:"size:50;not null"` // delivered, failed
	Error          string    `gorm:"type:text"`
	Try            int       `gorm:"not null"`
	LatencyMs      int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}
