package ledger

import (
	"strings"

	"github.com/phrazzld/conjure-api/internal/domain"
)

// Pricing maps a task to its token cost. Overrides are keyed by
// "provider/model" and win over the per-kind default.
type Pricing struct {
	Image     int64
	Video     int64
	Chat      int64
	Overrides map[string]int64
}

// Cost returns the token cost of one attempt of a task.
func (p Pricing) Cost(kind domain.TaskKind, provider, model string) int64 {
	if p.Overrides != nil {
		key := strings.ToLower(strings.TrimSpace(provider) + "/" + strings.TrimSpace(model))
		if cost, ok := p.Overrides[key]; ok {
			return cost
		}
	}

	switch kind {
	case domain.KindImage:
		return p.Image
	case domain.KindVideo:
		return p.Video
	default:
		return p.Chat
	}
}
