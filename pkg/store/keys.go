package store

import (
	"fmt"
	"strings"

	"github.com/jsndz/ackbus/pkg/types"
)

// Every key carries the environment as a hash tag so a record and its due
// index entry always live in the same cluster slot.

func StreamKey(env types.Env) string {
	return fmt.Sprintf("{%s}_stream", env)
}

func GroupName(env types.Env) string {
	return fmt.Sprintf("%s_stream_group", env)
}

func RecordKey(env types.Env, id string) string {
	return recordPrefix(env) + id
}

func IndexKey(env types.Env) string {
	return fmt.Sprintf("pending_notifications:{%s}", env)
}

func LeaseKey(env types.Env, id string) string {
	return fmt.Sprintf("reminder_lock:{%s}:%s", env, id)
}

func recordPrefix(env types.Env) string {
	return fmt.Sprintf("notification:{%s}:", env)
}

func idFromRecordKey(env types.Env, key string) string {
	return strings.TrimPrefix(key, recordPrefix(env))
}
