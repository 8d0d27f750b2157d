package events

// Legacy event names predate the dotted canonical scheme and still arrive
// from older emitters. Normalize maps them onto canonical envelopes.
var legacyTypes = map[Type]Type{
	"execution_started":        TypeRunStarted,
	"execution_completed":      TypeRunCompleted,
	"execution_failed":         TypeRunFailed,
	"execution_status_changed": TypeRunStatusChanged,
	"tool_called":              TypeToolRequested,
	"tool_completed_legacy":    TypeToolCompleted,
	"message_emitted":          TypeMessageEmitted,
}

// legacyPayloadKeys renames legacy payload fields. Conversion is by key
// presence, never by value truthiness, so 0, false and "" survive.
var legacyPayloadKeys = map[string]string{
	"execution_id":  "runId",
	"session_id":    "sessionId",
	"task_id":       "taskId",
	"tool_name":     "tool",
	"old_status":    "from",
	"new_status":    "to",
	"error_message": "message",
}

// Normalize maps a legacy envelope onto the canonical shape: the type is
// renamed per the compatibility table and legacy payload keys are
// converted by key presence. Canonical envelopes pass through unchanged.
func Normalize(env Envelope) Envelope {
	canonical, legacy := legacyTypes[env.Type]
	if !legacy {
		return env
	}
	env.Type = canonical
	if env.Payload == nil {
		return env
	}
	payload := make(map[string]any, len(env.Payload))
	for k, v := range env.Payload {
		if renamed, ok := legacyPayloadKeys[k]; ok {
			payload[renamed] = v
			continue
		}
		payload[k] = v
	}
	env.Payload = payload
	return env
}
