package narrative

import (
	"encoding/json"
	"fmt"
	"strings"

	"stagehand/staging"
	"stagehand/world"
)

const (
	reasoningPrefix      = "[LLM] "
	missingReasoningText = "No reasoning given by the narrative model"
)

// ParseError is returned when the model reply is not a usable JSON array.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("narrative reply not parseable: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == staging.ErrExternalCapability }

type suggestion struct {
	Name                string `json:"name"`
	IsPresent           *bool  `json:"is_present"`
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players"`
	Reasoning           string `json:"reasoning"`
	// Older prompts asked for "reason".
	Reason string `json:"reason"`
	Mood   string `json:"mood"`
}

// ParseReply turns a model reply into llm-sourced candidates. Names are
// matched against the cast; names outside the cast are dropped so only
// existing characters can ever be proposed.
func ParseReply(reply string, cast []world.CastMember) ([]staging.StagedNPC, error) {
	body, err := extractArray(reply)
	if err != nil {
		return nil, &ParseError{Raw: reply, Err: err}
	}
	var parsed []suggestion
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, &ParseError{Raw: reply, Err: err}
	}

	byName := make(map[string]world.Character, len(cast))
	for _, m := range cast {
		byName[normalizeName(m.Character.Name)] = m.Character
	}

	out := make([]staging.StagedNPC, 0, len(parsed))
	seen := make(map[string]bool, len(parsed))
	for _, s := range parsed {
		c, ok := byName[normalizeName(s.Name)]
		if !ok || seen[c.ID] {
			continue
		}
		seen[c.ID] = true

		present := true
		if s.IsPresent != nil {
			present = *s.IsPresent
		}
		reasoning := strings.TrimSpace(s.Reasoning)
		if reasoning == "" {
			reasoning = strings.TrimSpace(s.Reason)
		}
		if reasoning == "" {
			reasoning = missingReasoningText
		}
		mood := strings.TrimSpace(s.Mood)
		if mood == "" {
			mood = c.DefaultMood
		}
		out = append(out, staging.StagedNPC{
			CharacterID:         c.ID,
			Name:                c.Name,
			SpriteAsset:         c.SpriteAsset,
			PortraitAsset:       c.PortraitAsset,
			Mood:                mood,
			IsPresent:           present,
			IsHiddenFromPlayers: present && s.IsHiddenFromPlayers,
			Reasoning:           reasoningPrefix + reasoning,
		})
	}
	return out, nil
}

// extractArray strips markdown fences and returns the outermost JSON array.
func extractArray(reply string) (string, error) {
	clean := strings.TrimSpace(reply)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")

	start := strings.Index(clean, "[")
	end := strings.LastIndex(clean, "]")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON array in reply")
	}
	return clean[start : end+1], nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
