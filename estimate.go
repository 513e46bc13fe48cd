package tokenmeter

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += int64(len(m.Content)) / 4
		// role, formatting
		total += 4
	}
	return total + 3
}

// TrimHistory drops the oldest non-system messages until the conversation
// fits budget estimated tokens. The newest message is always kept.
func TrimHistory(messages []Message, budget int64) []Message {
	if budget <= 0 || EstimateTokens(messages) <= budget {
		return messages
	}

	var system, rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	for len(rest) > 1 && EstimateTokens(append(append([]Message{}, system...), rest...)) > budget {
		rest = rest[1:]
	}
	return append(system, rest...)
}
