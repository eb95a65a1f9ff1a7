package session

import (
	"fmt"

	"Hearth/internal/config"
)

// TokenCounter estimates the token cost of a piece of text. It is usually
// backed by the engine's tokenizer; when it fails the planner falls back to
// a character-based heuristic.
type TokenCounter func(text string) (int, error)

// WindowPlan is the planner's output: the messages to send, back in
// chronological order, and whether anything was dropped.
type WindowPlan struct {
	Included  []ChatMessage
	Truncated bool
}

// HistoryBudget computes how many tokens of conversation history fit in a
// context window after holding back room for the system prompt and the
// model's reply. A non-positive result collapses to the configured fallback.
func HistoryBudget(contextLength int, b config.BudgetConfig) int {
	budget := int(float64(contextLength)*b.SafetyFactor) - b.SystemReserve - b.ResponseReserve
	if budget <= 0 {
		return b.FallbackBudget
	}
	return budget
}

// PlanWindow trims a conversation to fit the token budget for the given
// context length. The system message (if any) and the final user message
// are always kept; remaining messages are admitted newest-first until the
// budget runs out. When messages are dropped, a single note is inserted
// right after the system message so the model knows the transcript has a
// gap. The returned slice is always in chronological order.
func PlanWindow(messages []ChatMessage, contextLength int, count TokenCounter, b config.BudgetConfig) WindowPlan {
	budget := HistoryBudget(contextLength, b)

	var system *ChatMessage
	var finalUser *ChatMessage
	systemIdx, finalUserIdx := -1, -1

	for i := range messages {
		if messages[i].Role == RoleSystem && system == nil {
			system = &messages[i]
			systemIdx = i
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			finalUser = &messages[i]
			finalUserIdx = i
			break
		}
	}

	// The pinned messages always ship, and their cost comes off the budget
	// before any history is admitted.
	used := 0
	if system != nil {
		used += countTokens(system.Content, count)
	}
	if finalUser != nil {
		used += countTokens(finalUser.Content, count)
	}

	// Walk the eligible middle newest-first, admitting while we stay within
	// budget. The first message that would overflow ends the walk; everything
	// older is dropped with it.
	keep := make(map[int]bool, len(messages))
	dropped := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if i == systemIdx || i == finalUserIdx {
			continue
		}
		if dropped > 0 {
			dropped++
			continue
		}
		cost := countTokens(messages[i].Content, count)
		if used+cost > budget {
			dropped++
			continue
		}
		used += cost
		keep[i] = true
	}

	// Reassemble chronologically: system, note if any, kept middle, final user.
	included := make([]ChatMessage, 0, len(messages)+1)
	if system != nil {
		included = append(included, *system)
	}
	if dropped > 0 {
		included = append(included, omissionNote(dropped))
	}
	for i := range messages {
		if i == finalUserIdx {
			included = append(included, *finalUser)
			continue
		}
		if keep[i] {
			included = append(included, messages[i])
		}
	}

	return WindowPlan{Included: included, Truncated: dropped > 0}
}

// countTokens asks the tokenizer, falling back to chars/4 when it fails.
// The heuristic rounds up so short messages never count as free.
func countTokens(text string, count TokenCounter) int {
	if count != nil {
		if n, err := count(text); err == nil {
			return n
		}
	}
	return (len(text) + 3) / 4
}

func omissionNote(n int) ChatMessage {
	word := "messages"
	if n == 1 {
		word = "message"
	}
	return NewMessage(RoleSystem, fmt.Sprintf("[%d earlier %s omitted for context window]", n, word))
}
