package world

import "time"

// World is a single campaign setting with its own in-world clock.
type World struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	GameTime time.Time `json:"gameTime" yaml:"game_time"`
}

// Location groups one or more regions (a town, a dungeon level).
type Location struct {
	ID          string `json:"id" yaml:"id"`
	WorldID     string `json:"worldId" yaml:"world_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Region is the unit NPCs are staged for.
type Region struct {
	ID          string `json:"id" yaml:"id"`
	LocationID  string `json:"locationId" yaml:"location_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Character is an NPC definition.
type Character struct {
	ID            string `json:"id" yaml:"id"`
	WorldID       string `json:"worldId" yaml:"world_id"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description" yaml:"description"`
	SpriteAsset   string `json:"spriteAsset" yaml:"sprite_asset"`
	PortraitAsset string `json:"portraitAsset" yaml:"portrait_asset"`
	DefaultMood   string `json:"defaultMood" yaml:"default_mood"`
}

// RelationType is how a character is tied to a region.
type RelationType string

const (
	RelationHome      RelationType = "home"
	RelationWorksAt   RelationType = "works_at"
	RelationFrequents RelationType = "frequents"
	RelationAvoids    RelationType = "avoids"
)

// Shift is the working period for RelationWorksAt.
type Shift string

const (
	ShiftDay    Shift = "day"
	ShiftNight  Shift = "night"
	ShiftAlways Shift = "always"
)

// Frequency is how often a frequenting character shows up.
type Frequency string

const (
	FrequencyAlways    Frequency = "always"
	FrequencyOften     Frequency = "often"
	FrequencySometimes Frequency = "sometimes"
	FrequencyRarely    Frequency = "rarely"
)

// Relationship ties a character to a region.
type Relationship struct {
	CharacterID string       `json:"characterId" yaml:"character_id"`
	RegionID    string       `json:"regionId" yaml:"region_id"`
	Type        RelationType `json:"type" yaml:"type"`
	Shift       Shift        `json:"shift,omitempty" yaml:"shift,omitempty"`
	Frequency   Frequency    `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	// TimeOfDay restricts a frequents relationship to one period; empty means any.
	TimeOfDay TimeOfDay `json:"timeOfDay,omitempty" yaml:"time_of_day,omitempty"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// CastMember is a character together with its relationship to one region.
type CastMember struct {
	Character    Character
	Relationship Relationship
}

// StoryEvent is a narrative element that may influence who shows up where.
type StoryEvent struct {
	ID          string `json:"id" yaml:"id"`
	WorldID     string `json:"worldId" yaml:"world_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Relevance   string `json:"relevance,omitempty" yaml:"relevance,omitempty"`
	Active      bool   `json:"active" yaml:"active"`
}

// DialogueSummary is a precomputed summary of a recent conversation with an NPC.
type DialogueSummary struct {
	CharacterID string    `json:"characterId" yaml:"character_id"`
	Summary     string    `json:"summary" yaml:"summary"`
	GameTime    time.Time `json:"gameTime" yaml:"game_time"`
}

// Seed is the on-disk layout of a world data file.
type Seed struct {
	Worlds        []World           `json:"worlds" yaml:"worlds"`
	Locations     []Location        `json:"locations" yaml:"locations"`
	Regions       []Region          `json:"regions" yaml:"regions"`
	Characters    []Character       `json:"characters" yaml:"characters"`
	Relationships []Relationship    `json:"relationships" yaml:"relationships"`
	Events        []StoryEvent      `json:"events" yaml:"events"`
	Dialogues     []DialogueSummary `json:"dialogues" yaml:"dialogues"`
}
