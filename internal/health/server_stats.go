package health

import (
	"encoding/json"
	"net/http"

	"github.com/colinmarc/magic-mirror/internal/hostinfo"
)

// SessionCounter is the slice of sessionmgr.Manager this package needs:
// how many sessions are currently registered.
type SessionCounter interface {
	Len() int
}

// AttachmentCounter is the slice of attachment.Manager this package
// needs: how many attachments are currently counted against
// max_connections.
type AttachmentCounter interface {
	ActiveCount() int
}

// ServerStats is the operator-facing snapshot from spec
// §AMBIENT-OBSERVABILITY: "ServerStats snapshot (session count,
// attachment count, per-preset FEC drop counters)". The drop counters
// themselves are exported as Prometheus series by internal/metrics
// rather than duplicated here; this snapshot carries the two counts a
// /healthz consumer wants without a Prometheus client.
type ServerStats struct {
	SessionsActive    int `json:"sessionsActive"`
	AttachmentsActive int `json:"attachmentsActive"`
}

// Snapshot reads the current ServerStats from the session and
// attachment managers.
func Snapshot(sessions SessionCounter, attachments AttachmentCounter) ServerStats {
	return ServerStats{
		SessionsActive:    sessions.Len(),
		AttachmentsActive: attachments.ActiveCount(),
	}
}

// response is the /healthz JSON body.
type response struct {
	Status     Status            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Stats      ServerStats       `json:"stats"`
	Host       hostinfo.Snapshot `json:"host"`
}

// Handler builds the /healthz HTTP handler: overall status plus
// per-component detail from m, and the ServerStats snapshot from
// sessions and attachments. It reports 503 when Overall() is
// Unhealthy, 200 otherwise — an empty Monitor (Overall() == Unknown)
// is still reported as 200, since "nothing has checked in yet" is not
// itself a failure the way an explicit Unhealthy report is.
func (m *Monitor) Handler(sessions SessionCounter, attachments AttachmentCounter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summary := m.Summary()
		overall := Status(summary["status"].(string))
		components, _ := summary["components"].(map[string]string)

		body := response{
			Status:     overall,
			Components: components,
			Stats:      Snapshot(sessions, attachments),
			Host:       hostinfo.Collect(),
		}

		w.Header().Set("Content-Type", "application/json")
		if overall == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}
