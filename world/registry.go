package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownWorld = errors.New("unknown world")
	ErrBadClock     = errors.New("invalid clock change")
)

// Registry holds the world data the staging system reads: regions, the
// characters tied to them, story events, dialogue summaries and the
// per-world game clock.
type Registry struct {
	mu            sync.RWMutex
	worlds        map[string]*World
	locations     map[string]*Location
	regions       map[string]*Region
	characters    map[string]*Character
	relationships []Relationship
	events        []StoryEvent
	dialogues     []DialogueSummary
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		worlds:     make(map[string]*World),
		locations:  make(map[string]*Location),
		regions:    make(map[string]*Region),
		characters: make(map[string]*Character),
	}
}

// LoadFromFile loads a seed file. Files ending in .yaml or .yml are read as
// YAML, everything else as JSON.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read world file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return r.LoadFromYAML(data)
	default:
		return r.LoadFromJSON(data)
	}
}

// LoadFromJSON loads a seed from raw JSON bytes.
func (r *Registry) LoadFromJSON(data []byte) error {
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse world JSON: %w", err)
	}
	return r.Load(seed)
}

// LoadFromYAML loads a seed from raw YAML bytes.
func (r *Registry) LoadFromYAML(data []byte) error {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse world YAML: %w", err)
	}
	return r.Load(seed)
}

// Load merges a seed into the registry. Relationships that point at unknown
// characters or regions are rejected so presence rules never reference
// characters that do not exist.
func (r *Registry) Load(seed Seed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range seed.Worlds {
		w := seed.Worlds[i]
		if w.ID == "" {
			continue
		}
		r.worlds[w.ID] = &w
	}
	for i := range seed.Locations {
		l := seed.Locations[i]
		if l.ID == "" {
			continue
		}
		r.locations[l.ID] = &l
	}
	for i := range seed.Regions {
		reg := seed.Regions[i]
		if reg.ID == "" {
			continue
		}
		if _, ok := r.locations[reg.LocationID]; !ok {
			return fmt.Errorf("region %s: unknown location %q", reg.ID, reg.LocationID)
		}
		r.regions[reg.ID] = &reg
	}
	for i := range seed.Characters {
		c := seed.Characters[i]
		if c.ID == "" {
			continue
		}
		r.characters[c.ID] = &c
	}
	for _, rel := range seed.Relationships {
		if _, ok := r.characters[rel.CharacterID]; !ok {
			return fmt.Errorf("relationship: unknown character %q", rel.CharacterID)
		}
		if _, ok := r.regions[rel.RegionID]; !ok {
			return fmt.Errorf("relationship: unknown region %q", rel.RegionID)
		}
		if err := validateRelationship(rel); err != nil {
			return fmt.Errorf("relationship %s@%s: %w", rel.CharacterID, rel.RegionID, err)
		}
		r.relationships = append(r.relationships, rel)
	}
	r.events = append(r.events, seed.Events...)
	r.dialogues = append(r.dialogues, seed.Dialogues...)
	return nil
}

func validateRelationship(rel Relationship) error {
	switch rel.Type {
	case RelationHome, RelationAvoids:
	case RelationWorksAt:
		switch rel.Shift {
		case ShiftDay, ShiftNight, ShiftAlways:
		default:
			return fmt.Errorf("invalid shift %q", rel.Shift)
		}
	case RelationFrequents:
		switch rel.Frequency {
		case FrequencyAlways, FrequencyOften, FrequencySometimes, FrequencyRarely:
		default:
			return fmt.Errorf("invalid frequency %q", rel.Frequency)
		}
		if rel.TimeOfDay != "" {
			if _, err := ParseTimeOfDay(string(rel.TimeOfDay)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("invalid relationship type %q", rel.Type)
	}
	return nil
}

// Region returns a region by ID.
func (r *Registry) Region(id string) (Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regions[id]
	if !ok {
		return Region{}, false
	}
	return *reg, true
}

// Scope resolves a region together with its location and world.
func (r *Registry) Scope(regionID string) (Region, Location, World, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regions[regionID]
	if !ok {
		return Region{}, Location{}, World{}, false
	}
	loc, ok := r.locations[reg.LocationID]
	if !ok {
		return Region{}, Location{}, World{}, false
	}
	w, ok := r.worlds[loc.WorldID]
	if !ok {
		return Region{}, Location{}, World{}, false
	}
	return *reg, *loc, *w, true
}

// Character returns a character by ID.
func (r *Registry) Character(id string) (Character, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.characters[id]
	if !ok {
		return Character{}, false
	}
	return *c, true
}

// Cast lists the characters related to a region, in load order.
func (r *Registry) Cast(regionID string) []CastMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CastMember
	for _, rel := range r.relationships {
		if rel.RegionID != regionID {
			continue
		}
		c := r.characters[rel.CharacterID]
		if c == nil {
			continue
		}
		out = append(out, CastMember{Character: *c, Relationship: rel})
	}
	return out
}

// ActiveEvents returns up to limit active story events of a world.
// limit <= 0 means no cap.
func (r *Registry) ActiveEvents(worldID string, limit int) []StoryEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []StoryEvent
	for _, ev := range r.events {
		if !ev.Active || ev.WorldID != worldID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// RecentDialogues returns the newest summaries for the given characters,
// newest first, at most limit per character.
func (r *Registry) RecentDialogues(characterIDs []string, limit int) []DialogueSummary {
	want := make(map[string]bool, len(characterIDs))
	for _, id := range characterIDs {
		want[id] = true
	}

	r.mu.RLock()
	var matched []DialogueSummary
	for _, d := range r.dialogues {
		if want[d.CharacterID] {
			matched = append(matched, d)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].GameTime.After(matched[j].GameTime)
	})
	perCharacter := make(map[string]int)
	out := matched[:0]
	for _, d := range matched {
		if limit > 0 && perCharacter[d.CharacterID] >= limit {
			continue
		}
		perCharacter[d.CharacterID]++
		out = append(out, d)
	}
	return out
}

// AddDialogue records a dialogue summary.
func (r *Registry) AddDialogue(d DialogueSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.characters[d.CharacterID]; !ok {
		return fmt.Errorf("unknown character %q", d.CharacterID)
	}
	r.dialogues = append(r.dialogues, d)
	return nil
}

// GameTime returns the current in-world time of a world.
func (r *Registry) GameTime(worldID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.worlds[worldID]
	if !ok {
		return time.Time{}, false
	}
	return w.GameTime, true
}

// SetGameTime moves a world's clock. The clock never moves backwards.
func (r *Registry) SetGameTime(worldID string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.worlds[worldID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownWorld, worldID)
	}
	if t.IsZero() || t.Before(w.GameTime) {
		return fmt.Errorf("%w: %s is before %s", ErrBadClock, t.Format(time.RFC3339), w.GameTime.Format(time.RFC3339))
	}
	w.GameTime = t
	return nil
}

// AdvanceGameTime moves a world's clock forward by d.
func (r *Registry) AdvanceGameTime(worldID string, d time.Duration) (time.Time, error) {
	if d < 0 {
		return time.Time{}, fmt.Errorf("%w: advance must be >= 0", ErrBadClock)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.worlds[worldID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w %q", ErrUnknownWorld, worldID)
	}
	w.GameTime = w.GameTime.Add(d)
	return w.GameTime, nil
}

// Count returns the number of registered characters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.characters)
}
