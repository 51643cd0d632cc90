package matching

import (
	"mapmo/backend/internal/config"
	"mapmo/backend/internal/models"
)

// Goal alignment contributions.
const (
	goalSame       = 1.0
	goalCompatible = 0.7
	goalOther      = 0.3
)

// Scorer rates how well two profiles fit, in [0,1].
type Scorer struct {
	Goals *config.GoalTable
}

func NewScorer(goals *config.GoalTable) *Scorer {
	return &Scorer{Goals: goals}
}

// Score averages the gender preference of each side, goal alignment and,
// when both users listed interests, the shared-interest bonus.
func (s *Scorer) Score(a, b *models.User) float64 {
	score := 0.0
	factors := 0

	score += preferenceMatch(a, b)
	factors++
	score += preferenceMatch(b, a)
	factors++

	switch {
	case a.Goal == b.Goal:
		score += goalSame
	case s.Goals.Compatible(a.Goal, b.Goal):
		score += goalCompatible
	default:
		score += goalOther
	}
	factors++

	if len(a.Interests) > 0 && len(b.Interests) > 0 {
		score += min(float64(sharedInterests(a.Interests, b.Interests))/2.0, 1.0)
		factors++
	}

	return score / float64(factors)
}

func preferenceMatch(from, to *models.User) float64 {
	if from.Preference == models.PreferenceAny || from.Preference == to.Gender {
		return 1.0
	}
	return 0.0
}

func sharedInterests(a, b []string) int {
	seen := make(map[string]struct{}, len(a))
	for _, tag := range a {
		seen[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := seen[tag]; ok {
			n++
			delete(seen, tag)
		}
	}
	return n
}
