package bridge

// Sanitize strips one layer of wrapping double quotes that some worker
// tooling adds around its output. The transform applies only when the input
// has at least two bytes and both ends are '"'; anything else is returned
// unchanged. The result aliases the input.
func Sanitize(payload []byte) []byte {
	if len(payload) >= 2 && payload[0] == '"' && payload[len(payload)-1] == '"' {
		return payload[1 : len(payload)-1]
	}

	return payload
}
