package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming producer must be
// allowed to finish but its output is no longer wanted (e.g., the audio of a
// synthesis stream belonging to a session that was torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
