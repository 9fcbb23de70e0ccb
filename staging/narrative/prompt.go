package narrative

import (
	"fmt"
	"sort"
	"strings"

	"stagehand/staging"
	"stagehand/world"
)

const SystemPrompt = "You are a game master assistant helping determine NPC presence."

const roleInstructions = `## Your Role
You may AGREE with or OVERRIDE the rules based on narrative considerations.
Consider: story reasons, interesting opportunities, conflicts, current context.
`

const responseFormat = `## Response Format
Respond in JSON format with an array of objects:
[{"name": "NPC Name", "is_present": true/false, "is_hidden_from_players": true/false, "reasoning": "Brief explanation"}]

Mark is_hidden_from_players true only for NPCs who are present but concealed (spying, hiding, invisible).
Use the exact names from the NPC list. Respond with JSON only.
`

// BuildPrompt renders the user prompt for one proposal. Guidance entries are
// appended in the order the approver gave them.
func BuildPrompt(c staging.Context, cast []world.CastMember, guidance []string) string {
	var b strings.Builder
	b.WriteString("You are helping determine which NPCs are present in a location for a TTRPG game.\n\n")

	b.WriteString("## Location\n")
	fmt.Fprintf(&b, "%s (%s)\n", c.RegionName, c.LocationName)
	if c.RegionDescription != "" {
		b.WriteString(c.RegionDescription)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Time: %s (%s)\n\n", c.TimeOfDay, c.TimeDisplay)

	b.WriteString("## NPCs\n")
	for i, m := range cast {
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, m.Character.Name, describeRelationship(m.Relationship))
		if m.Character.Description != "" {
			fmt.Fprintf(&b, ": %s", m.Character.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if len(c.StoryElements) > 0 {
		b.WriteString("## Active Story Elements\n")
		for _, el := range c.StoryElements {
			fmt.Fprintf(&b, "- %s: %s", el.Name, el.Description)
			if el.Relevance != "" {
				fmt.Fprintf(&b, " (%s)", el.Relevance)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(c.Dialogues) > 0 {
		b.WriteString("## Recent Interactions\n")
		for _, d := range c.Dialogues {
			fmt.Fprintf(&b, "- %s: %s\n", d.CharacterName, d.Summary)
		}
		b.WriteString("\n")
	}

	if len(c.Additional) > 0 {
		b.WriteString("## Additional Context\n")
		keys := make([]string, 0, len(c.Additional))
		for k := range c.Additional {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.Additional[k])
		}
		b.WriteString("\n")
	}

	var notes []string
	for _, g := range guidance {
		if g = strings.TrimSpace(g); g != "" {
			notes = append(notes, g)
		}
	}
	if len(notes) > 0 {
		b.WriteString("## DM Guidance\n")
		for _, g := range notes {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		b.WriteString("\n")
	}

	b.WriteString(roleInstructions)
	b.WriteString("\n")
	b.WriteString(responseFormat)
	return b.String()
}

func describeRelationship(rel world.Relationship) string {
	switch rel.Type {
	case world.RelationHome:
		return "lives here"
	case world.RelationWorksAt:
		if rel.Shift != "" && rel.Shift != world.ShiftAlways {
			return fmt.Sprintf("works here, %s shift", rel.Shift)
		}
		return "works here"
	case world.RelationFrequents:
		if rel.TimeOfDay != "" {
			return fmt.Sprintf("frequents this area %s, in the %s", rel.Frequency, rel.TimeOfDay)
		}
		return fmt.Sprintf("frequents this area %s", rel.Frequency)
	case world.RelationAvoids:
		return "avoids this area"
	}
	return string(rel.Type)
}
