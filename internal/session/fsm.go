package session

// TurnState is the per-turn phase of the session state machine.
type TurnState int

const (
	// StateIdle means no turn is in flight.
	StateIdle TurnState = iota

	// StateListeningUser means the user is speaking (first non-empty partial
	// observed).
	StateListeningUser

	// StateAwaitingFinal means silence or a complete sentence was detected
	// and the final transcript is pending.
	StateAwaitingFinal

	// StateGeneratingLLM means a final was accepted and the model is
	// streaming a response.
	StateGeneratingLLM

	// StateSpeakingTTS means synthesized speech is streaming to the client.
	StateSpeakingTTS

	// StateDone means the turn's response played to the end.
	StateDone

	// StateBarged means the user interrupted the response.
	StateBarged

	// StateErrored means a provider or transport failure aborted the turn.
	StateErrored
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListeningUser:
		return "listening_user"
	case StateAwaitingFinal:
		return "awaiting_final"
	case StateGeneratingLLM:
		return "generating_llm"
	case StateSpeakingTTS:
		return "speaking_tts"
	case StateDone:
		return "done"
	case StateBarged:
		return "barged"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// active reports whether a turn is currently in flight.
func (s TurnState) active() bool {
	switch s {
	case StateGeneratingLLM, StateSpeakingTTS:
		return true
	}
	return false
}
