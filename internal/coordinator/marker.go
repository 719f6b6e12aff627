package coordinator

import (
	"os"
	"time"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/json"
)

// FailureMarker is written when a run fails and blocks every later run
// until an operator removes it. It lives outside the store so that store
// failures can be recorded too.
type FailureMarker struct {
	Time       time.Time              `json:"time"`
	RunID      string                 `json:"run_id"`
	Mode       string                 `json:"mode"`
	Stage      string                 `json:"stage"`
	Class      errors.ErrorType       `json:"class"`
	ExitCode   ExitCode               `json:"exit_code"`
	Holder     liveness.Identity      `json:"holder"`
	Diagnostic string                 `json:"diagnostic"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ReadMarker returns the marker at path, or nil when there is none.
func ReadMarker(path string) (*FailureMarker, error) {
	var m FailureMarker
	if err := json.ReadFile(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read failure marker").
			WithDetail("path", path)
	}
	return &m, nil
}

// WriteMarker replaces the marker at path.
func WriteMarker(path string, m FailureMarker) error {
	if err := json.WriteFile(path, m, 0o640); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write failure marker").
			WithDetail("path", path)
	}
	return nil
}

// RemoveMarker deletes the marker and reports whether one existed.
func RemoveMarker(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrap(err, errors.ErrorTypeFile, "failed to remove failure marker").
			WithDetail("path", path)
	}
}
