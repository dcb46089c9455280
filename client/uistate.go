package client

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
)

// UIState is the small durable record written on normal shutdown and
// re-applied after the next full resync. Selection is only restored when
// the task still exists in the freshly fetched list.
type UIState struct {
	SelectedTaskID *uint `json:"selected_task_id,omitempty"`
	Editing        bool  `json:"editing"`
}

// SaveUIState writes the state to path.
func SaveUIState(path string, state UIState) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

// LoadUIState reads the state from path. A missing file yields the zero
// state without error.
func LoadUIState(path string) (UIState, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return UIState{}, nil
		}
		return UIState{}, err
	}
	var state UIState
	if err := json.Unmarshal(payload, &state); err != nil {
		return UIState{}, err
	}
	return state, nil
}
