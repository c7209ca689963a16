// Package identity links sender aliases across channels. Repurposed from
// the teacher's pkg/state/topic_mapping.go atomic-JSON persistence shape
// (there used for Telegram forum-topic -> specialist mapping, which has no
// analog in this gateway's scope) into a fuzzy sender-name matcher,
// resolving spec.md 9's open question on the alias-linking algorithm:
// normalized Levenshtein distance with a 0.82 similarity threshold.
package identity

import (
	"context"
	"strings"
)

const DefaultThreshold = 0.82

// NameLookup is the subset of the store this resolver needs: the set of
// sender ids already known by display name, and a way to persist a new
// alias link.
type NameLookup interface {
	KnownSenderNames(ctx context.Context) (map[string]string, error)
	LinkAlias(ctx context.Context, channel, senderID, canonicalID string, confidence float64) error
}

// Resolver fuzzy-matches a newly seen (channel, sender) against known
// sender display names and, above the threshold, links it to the closest
// existing canonical identity.
type Resolver struct {
	store     NameLookup
	threshold float64
}

func NewResolver(store NameLookup, threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Resolver{store: store, threshold: threshold}
}

// ResolveAlias looks for an existing sender whose known display name is
// similar enough to senderName; if found, persists the alias link and
// returns the canonical id. If nothing matches closely enough, returns
// senderID unchanged (this sender becomes its own canonical identity).
func (r *Resolver) ResolveAlias(ctx context.Context, channel, senderID, senderName string) (string, error) {
	if senderName == "" {
		return senderID, nil
	}
	known, err := r.store.KnownSenderNames(ctx)
	if err != nil {
		return "", err
	}

	bestID := ""
	bestScore := 0.0
	for id, name := range known {
		if id == senderID {
			continue
		}
		score := similarity(senderName, name)
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}

	if bestID == "" || bestScore < r.threshold {
		return senderID, nil
	}
	if err := r.store.LinkAlias(ctx, channel, senderID, bestID, bestScore); err != nil {
		return "", err
	}
	return bestID, nil
}

// similarity returns normalized Levenshtein similarity in [0,1]: 1 minus
// edit distance over the longer string's length, case-insensitive.
func similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}
