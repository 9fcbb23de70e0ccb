package rules

import (
	"fmt"
	"hash/fnv"
	"time"

	"stagehand/staging"
	"stagehand/world"
)

// Input is everything the rule evaluation looks at. The proposer never reads
// anything else, so equal inputs give equal outputs.
type Input struct {
	RegionID string
	GameTime time.Time
	Cast     []world.CastMember
	// Previous holds the NPCs of the region's last staging, if any.
	Previous []staging.StagedNPC
}

// Proposer evaluates relationship rules into a rule-based candidate set.
type Proposer struct{}

func New() *Proposer { return &Proposer{} }

func (p *Proposer) Name() string { return "rules" }

// Propose implements the rule branch of a staging proposal.
func (p *Proposer) Propose(in Input) staging.CandidateSet {
	tod := world.TimeOfDayAt(in.GameTime)
	day := world.DayNumber(in.GameTime)

	out := staging.CandidateSet{Source: staging.SourceRuleBased}
	seen := make(map[string]bool, len(in.Cast))
	for _, member := range in.Cast {
		c := member.Character
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		present, reasoning := evaluate(member.Relationship, in.RegionID, tod, day)
		out.NPCs = append(out.NPCs, staging.StagedNPC{
			CharacterID:   c.ID,
			Name:          c.Name,
			SpriteAsset:   c.SpriteAsset,
			PortraitAsset: c.PortraitAsset,
			Mood:          c.DefaultMood,
			IsPresent:     present,
			Reasoning:     reasoning,
		})
	}

	// Manually staged NPCs with no relationship to the region keep their last decision.
	for _, prev := range in.Previous {
		if seen[prev.CharacterID] {
			continue
		}
		seen[prev.CharacterID] = true
		carried := prev
		carried.Reasoning = "Carried over from the previous staging"
		out.NPCs = append(out.NPCs, carried)
	}
	return out
}

func evaluate(rel world.Relationship, regionID string, tod world.TimeOfDay, day int64) (bool, string) {
	switch rel.Type {
	case world.RelationHome:
		if tod == world.Afternoon {
			return false, "Lives here but is usually out during the afternoon"
		}
		return true, fmt.Sprintf("Lives here and is home in the %s", tod)

	case world.RelationWorksAt:
		switch rel.Shift {
		case world.ShiftAlways:
			return true, "Works here at all hours"
		case world.ShiftDay:
			if tod == world.Morning || tod == world.Afternoon {
				return true, "Works here during the day shift"
			}
			return false, "Works here but the day shift is over"
		case world.ShiftNight:
			if tod == world.Evening || tod == world.Night {
				return true, "Works here during the night shift"
			}
			return false, "Works here but the night shift has not started"
		}
		return false, fmt.Sprintf("Works here on an unknown shift %q", rel.Shift)

	case world.RelationFrequents:
		if rel.TimeOfDay != "" && rel.TimeOfDay != tod {
			return false, fmt.Sprintf("Frequents this place in the %s, not the %s", rel.TimeOfDay, tod)
		}
		switch rel.Frequency {
		case world.FrequencyAlways:
			return true, "Always found here"
		case world.FrequencyOften:
			return true, "Often found here"
		case world.FrequencySometimes:
			if roll(rel.CharacterID, regionID, day)%2 == 0 {
				return true, "Sometimes found here, and today is one of those days"
			}
			return false, "Sometimes found here, but not today"
		case world.FrequencyRarely:
			if roll(rel.CharacterID, regionID, day)%4 == 0 {
				return true, "Rarely found here, but dropped by today"
			}
			return false, "Rarely found here"
		}
		return false, fmt.Sprintf("Frequents this place with unknown frequency %q", rel.Frequency)

	case world.RelationAvoids:
		if rel.Reason != "" {
			return false, "Avoids this place: " + rel.Reason
		}
		return false, "Avoids this place"
	}
	return false, fmt.Sprintf("Unknown relationship %q", rel.Type)
}

// roll is a stable pseudo-random number per character, region and in-world day.
func roll(characterID, regionID string, day int64) uint32 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", characterID, regionID, day)
	// FNV alone barely moves on the last byte; finish with the murmur3 mixer.
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x)
}
