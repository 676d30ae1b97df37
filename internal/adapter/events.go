package adapter

import (
	"encoding/json"
	"strings"
)

// eventEnvelope is the JSON shape published on broker event channels. Bare
// job-id payloads are accepted as a degenerate envelope.
type eventEnvelope struct {
	ID     string `json:"id"`
	JobID  string `json:"jobId"`
	Event  string `json:"event"`
	Reason string `json:"failedReason"`
}

// parseEventPayload extracts (jobID, event, reason) from a pub/sub payload.
func parseEventPayload(payload string) (string, string, string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", ""
	}
	if strings.HasPrefix(payload, "{") {
		var env eventEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err == nil {
			id := env.JobID
			if id == "" {
				id = env.ID
			}
			return id, env.Event, env.Reason
		}
	}
	// Bare id, optionally "id:reason" for failure channels.
	if id, reason, ok := strings.Cut(payload, ":"); ok {
		return id, "", reason
	}
	return payload, "", ""
}
