package agent

import (
	"personabot/internal/domain"
)

// Token estimation weights. Rough heuristic tuned for mixed Japanese/English
// chat: CJK and other non-ASCII runes are close to one token each, English
// words pack several characters per token.
const (
	tokensPerWideRune   = 1.5
	tokensPerLetterRune = 0.25
	tokensPerOtherRune  = 0.5
)

// EstimateTokens returns an approximate token count for text. The estimate is
// monotonic: appending characters never lowers it. Non-empty text estimates
// at least 1.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	var total float64
	for _, r := range text {
		switch {
		case r > 127:
			total += tokensPerWideRune
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			total += tokensPerLetterRune
		default:
			total += tokensPerOtherRune
		}
	}

	tokens := int(total)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// TurnCost is the token cost of one history turn as it will appear in the
// rendered prompt ("Speaker: content\n").
func TurnCost(turn domain.ConversationTurn) int {
	return EstimateTokens(turn.Speaker) + EstimateTokens(turn.Content) + 2
}

// Budgeter trims history to a hard token ceiling.
type Budgeter struct {
	Ceiling int
}

// FitTurns selects the history turns that fit under the ceiling alongside the
// reserved token count (persona, channel metadata, and the new message,
// which are never trimmed). Turns are considered newest first and the kept
// suffix is
// returned oldest first. When the reserve alone exceeds the ceiling it
// returns no turns and domain.ErrContextOverflow: the engine degrades, it
// never breaches the limit.
func (b *Budgeter) FitTurns(reserved int, turns []domain.ConversationTurn) ([]domain.ConversationTurn, error) {
	if reserved > b.Ceiling {
		return nil, domain.ErrContextOverflow
	}

	budget := b.Ceiling - reserved
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := TurnCost(turns[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	if start == len(turns) {
		return nil, nil
	}
	kept := make([]domain.ConversationTurn, len(turns)-start)
	copy(kept, turns[start:])
	return kept, nil
}
