// Package resolver maps free-text sender labels from an export to chat
// participants.
package resolver

import (
	"sort"
	"strings"

	"chatimport/internal/failure"
	"chatimport/internal/models"
)

// Confidence describes how a label was attributed.
type Confidence string

const (
	ConfidenceManual   Confidence = "manual"
	ConfidenceExact    Confidence = "exact"
	ConfidencePartial  Confidence = "partial"
	ConfidenceFallback Confidence = "fallback"
)

// Match is the attribution of one label.
type Match struct {
	Label      string     `json:"label"`
	UserID     int64      `json:"userId"`
	Confidence Confidence `json:"confidence"`
}

// Result is the attribution of a whole label set.
type Result struct {
	Matches   map[string]Match
	Unmatched []string
}

// Matcher attributes labels one at a time and remembers its answers.
// It is not safe for concurrent use.
type Matcher struct {
	participants []models.Participant
	fallbackID   int64
	overrides    map[string]int64
	cache        map[string]Match
	unmatched    map[string]struct{}
}

// NewMatcher validates overrides against participants. Override keys are
// compared case-insensitively with surrounding space ignored.
func NewMatcher(participants []models.Participant, fallbackID int64, overrides map[string]int64) (*Matcher, error) {
	members := make(map[int64]bool, len(participants))
	for _, p := range participants {
		members[p.UserID] = true
	}
	norm := make(map[string]int64, len(overrides))
	for label, uid := range overrides {
		if !members[uid] {
			return nil, failure.Newf(failure.KindInvalidRequest,
				"sender_map entry %q names user %d who is not a participant of this chat", label, uid)
		}
		norm[normalize(label)] = uid
	}
	ordered := append([]models.Participant(nil), participants...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	return &Matcher{
		participants: ordered,
		fallbackID:   fallbackID,
		overrides:    norm,
		cache:        make(map[string]Match),
		unmatched:    make(map[string]struct{}),
	}, nil
}

// Match attributes label. Labels that match no participant go to the
// fallback account and are remembered as unmatched.
func (m *Matcher) Match(label string) Match {
	if hit, ok := m.cache[label]; ok {
		return hit
	}
	hit := m.match(label)
	m.cache[label] = hit
	if hit.Confidence == ConfidenceFallback {
		m.unmatched[label] = struct{}{}
	}
	return hit
}

func (m *Matcher) match(label string) Match {
	key := normalize(label)
	if uid, ok := m.overrides[key]; ok {
		return Match{Label: label, UserID: uid, Confidence: ConfidenceManual}
	}
	if key != "" {
		for _, p := range m.participants {
			name := normalize(p.DisplayName)
			if name == "" {
				continue
			}
			if name == key {
				return Match{Label: label, UserID: p.UserID, Confidence: ConfidenceExact}
			}
			if strings.Contains(key, name) || strings.Contains(name, key) {
				return Match{Label: label, UserID: p.UserID, Confidence: ConfidencePartial}
			}
		}
	}
	return Match{Label: label, UserID: m.fallbackID, Confidence: ConfidenceFallback}
}

// Unmatched lists the labels seen so far that fell back, sorted.
func (m *Matcher) Unmatched() []string {
	out := make([]string, 0, len(m.unmatched))
	for label := range m.unmatched {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Resolve attributes every label in labels.
func Resolve(labels []string, participants []models.Participant, fallbackID int64, overrides map[string]int64) (Result, error) {
	m, err := NewMatcher(participants, fallbackID, overrides)
	if err != nil {
		return Result{}, err
	}
	res := Result{Matches: make(map[string]Match, len(labels))}
	for _, label := range labels {
		res.Matches[label] = m.Match(label)
	}
	res.Unmatched = m.Unmatched()
	return res, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
