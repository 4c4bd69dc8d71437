package orchestrator

// appendChunk adds text verbatim. Empty chunks are ignored.
func appendChunk(st *State, text string) bool {
	if text == "" {
		return false
	}
	st.Stream += text
	return true
}
