package naming

import (
	"github.com/paneld/paneld/internal/errkind"
)

const charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MaxIDLength bounds panel IDs so derived container names stay valid.
const MaxIDLength = 64

// Validate checks that a caller-supplied panel ID is safe to use as a path
// segment, process name and container name.
func Validate(panelID string) error {
	if panelID == "" {
		return errkind.Errorf(errkind.Invalid, "panel id is required")
	}
	if len(panelID) > MaxIDLength {
		return errkind.Errorf(errkind.Rejected, "panel id longer than %d characters", MaxIDLength)
	}
	if panelID[0] == '-' || panelID[0] == '_' {
		return errkind.Errorf(errkind.Rejected, "panel id %q must start with a letter or digit", panelID)
	}
	for i := 0; i < len(panelID); i++ {
		if !inCharset(panelID[i]) {
			return errkind.Errorf(errkind.Rejected, "panel id %q contains invalid character %q", panelID, panelID[i])
		}
	}
	return nil
}

func inCharset(c byte) bool {
	for i := 0; i < len(charset); i++ {
		if charset[i] == c {
			return true
		}
	}
	return false
}

// ProcessName is the supervisor job name for a panel.
func ProcessName(panelID string) string {
	return "panel-" + panelID
}

// ContainerName is the container engine name for a panel.
func ContainerName(panelID string) string {
	return "paneld-" + panelID
}

// ShortID truncates long IDs for log lines.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
