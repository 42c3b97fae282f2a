package media

import "sync"

// AudioRouter controls the output routing of call audio.
type AudioRouter interface {
	SetCommunicationMode(on bool) error
	SetSpeakerphone(on bool) error
}

// StateRouter records routing in memory for hosts without a platform audio manager.
type StateRouter struct {
	mu            sync.Mutex
	communication bool
	speaker       bool
}

func (r *StateRouter) SetCommunicationMode(on bool) error {
	r.mu.Lock()
	r.communication = on
	r.mu.Unlock()
	return nil
}

func (r *StateRouter) SetSpeakerphone(on bool) error {
	r.mu.Lock()
	r.speaker = on
	r.mu.Unlock()
	return nil
}

// State returns the current communication-mode and speakerphone flags.
func (r *StateRouter) State() (communication, speaker bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.communication, r.speaker
}
