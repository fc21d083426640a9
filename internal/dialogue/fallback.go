package dialogue

import (
	"context"
	"fmt"
	"strings"
)

// FallbackModel names completions produced without a language model.
const FallbackModel = "fallback"

type intent int

const (
	intentGreeting intent = iota
	intentTravel
	intentTrade
	intentRegion
)

var intentKeywords = []struct {
	intent intent
	words  []string
}{
	{intentTravel, []string{"travel", "warp", "gate", "jump", "tunnel", "depart"}},
	{intentTrade, []string{"buy", "sell", "trade", "price", "market", "cargo", "port"}},
	{intentRegion, []string{"region", "nexus", "sector", "territory", "governor", "citizen"}},
}

func classify(text string) intent {
	lower := strings.ToLower(text)
	for _, k := range intentKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.intent
			}
		}
	}
	return intentGreeting
}

// FallbackProvider answers from fixed lines keyed on what the player seems to
// be asking about. It never fails and costs nothing.
type FallbackProvider struct{}

func (FallbackProvider) Complete(_ context.Context, p Prompt) (Completion, error) {
	where := p.Scene.Region
	if where == "" {
		where = "this station"
	}
	var text string
	switch classify(p.Input) {
	case intentTravel:
		text = fmt.Sprintf("Gate control for %s is open. Request an authorization, and depart before it lapses.", where)
	case intentTrade:
		text = fmt.Sprintf("The ports of %s post their prices on the market board. Mind the regional tax on sales.", where)
	case intentRegion:
		text = fmt.Sprintf("You are in %s. Every region sets its own rules; the Central Nexus is open to all.", where)
	default:
		text = fmt.Sprintf("Welcome to %s, pilot. Ask me about the gates or the markets.", where)
	}
	return Completion{Text: text, Model: FallbackModel}, nil
}
