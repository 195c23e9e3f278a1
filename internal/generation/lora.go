package generation

import (
	"strings"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

// LoraPlanner picks the auxiliary adapters attached to legacy-pipeline requests.
type LoraPlanner struct {
	table        map[string]Adapter
	maxCount     int
	userStrength float64
}

func NewLoraPlanner(table map[string]Adapter, maxCount int, userStrength float64) *LoraPlanner {
	return &LoraPlanner{table: table, maxCount: maxCount, userStrength: userStrength}
}

// Adapters returns the catalog ordered by priority.
func (p *LoraPlanner) Adapters() []Adapter {
	return sortedByPriority(p.table)
}

// Plan returns the generic adapter stack for a prompt, at most maxCount-1 entries so
// one slot stays free for the user's own weights.
func (p *LoraPlanner) Plan(prompt string, t models.GenerationType, custom bool) []Adapter {
	if custom || t.IsVideo() {
		return nil
	}
	lower := strings.ToLower(prompt)
	budget := p.maxCount - 1

	var out []Adapter
	seen := make(map[string]bool)
	add := func(key string) {
		a, ok := p.table[key]
		if !ok || seen[a.Model] || len(out) >= budget {
			return
		}
		seen[a.Model] = true
		out = append(out, a)
	}

	add(LoraSkinTexture)
	add(LoraPhotoRealism)
	add(LoraAntiCGI)
	if p.mentions(lower, LoraFace) || p.mentions(lower, LoraPortrait) {
		add(LoraFace)
		add(LoraPortrait)
	}
	if p.mentions(lower, LoraFashion) {
		add(LoraFashion)
	}
	add(LoraUltraRealism)
	add(LoraColorGrading)
	return out
}

// Stack puts the user's adapter first and appends the planned stack, never exceeding maxCount.
func (p *LoraPlanner) Stack(userModel string, prompt string, t models.GenerationType, custom bool) []Adapter {
	var stack []Adapter
	if userModel != "" {
		id, _ := GenerateAdapterID("user", userModel, p.userStrength)
		stack = append(stack, Adapter{ID: id, Key: "user", Model: userModel, Strength: p.userStrength})
	}
	for _, a := range p.Plan(prompt, t, custom) {
		if len(stack) >= p.maxCount {
			break
		}
		if a.Model == userModel {
			continue
		}
		stack = append(stack, a)
	}
	return stack
}

// mentions reports whether the lower-cased prompt contains one of the adapter's keywords.
func (p *LoraPlanner) mentions(lower, key string) bool {
	for _, w := range p.table[key].Keywords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
