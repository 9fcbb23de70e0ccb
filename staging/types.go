package staging

import (
	"strings"
	"time"
)

// Source records how a staging's NPC list was decided.
type Source byte

const (
	SourceUnknown      Source = 0
	SourceRuleBased    Source = 1
	SourceLLMBased     Source = 2
	SourceDMCustomized Source = 3
	SourcePreStaged    Source = 4
	SourceAutoApproved Source = 5
)

var SourceDictionary = map[Source]string{
	SourceUnknown:      "unknown",
	SourceRuleBased:    "rule",
	SourceLLMBased:     "llm",
	SourceDMCustomized: "custom",
	SourcePreStaged:    "prestaged",
	SourceAutoApproved: "auto",
}

func (s Source) String() string {
	if name, ok := SourceDictionary[s]; ok {
		return name
	}
	return SourceDictionary[SourceUnknown]
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	if string(b) == SourceDictionary[SourceUnknown] || len(b) == 0 {
		*s = SourceUnknown
		return nil
	}
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSource accepts the short names of SourceDictionary and their long forms
// (rule_based, llm_based, dm_customized, pre_staged, auto_approved).
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rule", "rule_based", "rulebased":
		return SourceRuleBased, nil
	case "llm", "llm_based", "llmbased":
		return SourceLLMBased, nil
	case "custom", "dm_customized", "dmcustomized":
		return SourceDMCustomized, nil
	case "prestaged", "pre_staged", "prestage":
		return SourcePreStaged, nil
	case "auto", "auto_approved", "autoapproved":
		return SourceAutoApproved, nil
	}
	return SourceUnknown, Invalid("unknown staging source %q", s)
}

// StagedNPC is one NPC's presence decision inside a staging.
type StagedNPC struct {
	CharacterID         string `json:"characterId"`
	Name                string `json:"name"`
	SpriteAsset         string `json:"spriteAsset,omitempty"`
	PortraitAsset       string `json:"portraitAsset,omitempty"`
	Mood                string `json:"mood,omitempty"`
	IsPresent           bool   `json:"isPresent"`
	IsHiddenFromPlayers bool   `json:"isHiddenFromPlayers"`
	Reasoning           string `json:"reasoning"`
}

// Visible reports whether observers should see the NPC.
func (n StagedNPC) Visible() bool { return n.IsPresent && !n.IsHiddenFromPlayers }

// Staging is an approved, persisted NPC presence decision for one region.
type Staging struct {
	ID         string      `json:"id"`
	RegionID   string      `json:"regionId"`
	LocationID string      `json:"locationId"`
	WorldID    string      `json:"worldId"`
	NPCs       []StagedNPC `json:"npcs"`
	// GameTime is the in-world instant the decision was made for.
	GameTime time.Time `json:"gameTime"`
	// ApprovedAt is wall clock, kept for auditing and history ordering only.
	ApprovedAt time.Time `json:"approvedAt"`
	TTLHours   int       `json:"ttlHours"`
	ApprovedBy string    `json:"approvedBy"`
	Source     Source    `json:"source"`
	Guidance   string    `json:"guidance,omitempty"`
	IsActive   bool      `json:"isActive"`
}

// ExpiresAt is the last in-world instant at which the staging is valid.
func (s *Staging) ExpiresAt() time.Time {
	return s.GameTime.Add(time.Duration(s.TTLHours) * time.Hour)
}

// ValidAt reports whether the staging may be served at the given in-world time.
func (s *Staging) ValidAt(gameTime time.Time) bool {
	if s == nil || !s.IsActive {
		return false
	}
	return !gameTime.After(s.ExpiresAt())
}

// PresentNPCs returns the NPCs observers should see, in staging order.
func (s *Staging) PresentNPCs() []StagedNPC {
	out := make([]StagedNPC, 0, len(s.NPCs))
	for _, n := range s.NPCs {
		if n.Visible() {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *Staging) Clone() *Staging {
	if s == nil {
		return nil
	}
	out := *s
	out.NPCs = append([]StagedNPC(nil), s.NPCs...)
	return &out
}

// StoryElement is an active narrative element shown to the narrative model.
type StoryElement struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Relevance   string `json:"relevance,omitempty"`
}

// DialogueNote is a recent conversation summary for one NPC.
type DialogueNote struct {
	CharacterID   string    `json:"characterId"`
	CharacterName string    `json:"characterName"`
	Summary       string    `json:"summary"`
	GameTime      time.Time `json:"gameTime"`
}

// Context is the ephemeral narrative context assembled for one proposal.
type Context struct {
	RegionName        string            `json:"regionName"`
	RegionDescription string            `json:"regionDescription,omitempty"`
	LocationName      string            `json:"locationName"`
	TimeOfDay         string            `json:"timeOfDay"`
	TimeDisplay       string            `json:"timeDisplay"`
	StoryElements     []StoryElement    `json:"storyElements,omitempty"`
	Dialogues         []DialogueNote    `json:"dialogues,omitempty"`
	Additional        map[string]string `json:"additional,omitempty"`
}

// CandidateSet is one proposer's output.
type CandidateSet struct {
	Source Source      `json:"source"`
	NPCs   []StagedNPC `json:"npcs"`
	// Degraded marks a branch that failed and was replaced by an empty list.
	Degraded bool   `json:"degraded,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

// Proposal carries both candidate sets for one approval cycle.
type Proposal struct {
	RegionID        string       `json:"regionId"`
	LocationID      string       `json:"locationId"`
	WorldID         string       `json:"worldId"`
	RegionName      string       `json:"regionName"`
	GameTime        time.Time    `json:"gameTime"`
	Rule            CandidateSet `json:"rule"`
	Narrative       CandidateSet `json:"narrative"`
	Context         Context      `json:"context"`
	DefaultTTLHours int          `json:"defaultTtlHours"`
	Previous        *Staging     `json:"previous,omitempty"`
}
