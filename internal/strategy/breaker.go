package strategy

import (
	"fmt"
	"math"

	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// DefaultCap is the circuit-breaker fraction of current spend any single
// channel may move by.
const DefaultCap = 0.35

// Clamp bounds proposed to within capPct of current. It is pure: the caller
// decides what to log. A non-positive current spend admits no change.
func Clamp(current, proposed, capPct float64) (applied float64, wasClamped bool) {
	if capPct < 0 || math.IsNaN(capPct) {
		capPct = 0
	}
	limit := capPct * math.Max(current, 0)
	delta := proposed - current
	switch {
	case math.IsNaN(delta):
		return current, true
	case delta > limit:
		return current + limit, true
	case delta < -limit:
		return current - limit, true
	}
	return proposed, false
}

// EffectiveCap tightens the default cap by a task's MaxVariancePct.
func EffectiveCap(c models.Constraints) float64 {
	if c.MaxVariancePct > 0 && c.MaxVariancePct < DefaultCap {
		return c.MaxVariancePct
	}
	return DefaultCap
}

// ApplyBreaker clamps every channel's delta so that, together with the delta
// already committed for that channel, it stays within capPct of current
// spend, and the delta alone never exceeds capPct either. It then shrinks
// the larger side (increases or decreases) so the reallocation stays
// budget-neutral. Magnitudes only ever shrink.
// It returns one annotation per clamped channel.
func ApplyBreaker(channels []models.ChannelAllocation, capPct float64, committed map[string]float64) []string {
	var notes []string
	for i := range channels {
		ch := &channels[i]
		ch.UnclampedDelta = ch.ProposedSpend - ch.CurrentSpend
		prior := committed[ch.Channel]

		total, clamped := Clamp(ch.CurrentSpend, ch.CurrentSpend+prior+ch.UnclampedDelta, capPct)
		delta := total - ch.CurrentSpend - prior
		// A channel already past its window allowance is held, not reversed.
		if math.Signbit(delta) != math.Signbit(ch.UnclampedDelta) && delta != 0 {
			delta = 0
		}
		// The task's own move is capped too, whatever the window holds.
		own, ownClamped := Clamp(ch.CurrentSpend, ch.CurrentSpend+delta, capPct)
		delta = own - ch.CurrentSpend
		ch.Delta = delta
		ch.Clamped = clamped || ownClamped
		if ch.Clamped {
			reason := fmt.Sprintf("%s: delta %+.2f clamped to %+.2f (cap %.0f%% of %.2f", ch.Channel,
				ch.UnclampedDelta, delta, capPct*100, ch.CurrentSpend)
			if prior != 0 {
				reason += fmt.Sprintf(", %+.2f already committed", prior)
			}
			notes = append(notes, reason+")")
		}
	}

	var up, down float64
	for _, ch := range channels {
		if ch.Delta > 0 {
			up += ch.Delta
		} else {
			down -= ch.Delta
		}
	}
	switch {
	case up > down && up > 0:
		scale(channels, down/up, true)
	case down > up && down > 0:
		scale(channels, up/down, false)
	}
	for i := range channels {
		channels[i].ProposedSpend = channels[i].CurrentSpend + channels[i].Delta
	}
	return notes
}

func scale(channels []models.ChannelAllocation, f float64, increases bool) {
	for i := range channels {
		if (channels[i].Delta > 0) == increases && channels[i].Delta != 0 {
			channels[i].Delta *= f
		}
	}
}
