package narrative

import (
	"time"

	"stagehand/staging"
	"stagehand/world"
)

const (
	maxStoryElements         = 5
	maxDialoguesPerCharacter = 2
)

// Scene is the world data one narrative proposal is built from.
type Scene struct {
	Region   world.Region
	Location world.Location
	GameTime time.Time
	Cast     []world.CastMember
	Events   []world.StoryEvent
	Dialogue []world.DialogueSummary
}

// SceneSource is the part of the world registry a scene is read from.
type SceneSource interface {
	Scope(regionID string) (world.Region, world.Location, world.World, bool)
	Cast(regionID string) []world.CastMember
	ActiveEvents(worldID string, limit int) []world.StoryEvent
	RecentDialogues(characterIDs []string, limit int) []world.DialogueSummary
}

// LoadScene pulls a scene for a region out of the registry.
func LoadScene(reg SceneSource, regionID string, gameTime time.Time) (Scene, bool) {
	region, location, w, ok := reg.Scope(regionID)
	if !ok {
		return Scene{}, false
	}
	cast := reg.Cast(regionID)
	ids := make([]string, 0, len(cast))
	for _, m := range cast {
		ids = append(ids, m.Character.ID)
	}
	return Scene{
		Region:   region,
		Location: location,
		GameTime: gameTime,
		Cast:     cast,
		Events:   reg.ActiveEvents(w.ID, maxStoryElements),
		Dialogue: reg.RecentDialogues(ids, maxDialoguesPerCharacter),
	}, true
}

// BuildContext turns a scene into the context shown to approvers and the model.
func BuildContext(scene Scene) staging.Context {
	ctx := staging.Context{
		RegionName:        scene.Region.Name,
		RegionDescription: scene.Region.Description,
		LocationName:      scene.Location.Name,
		TimeOfDay:         string(world.TimeOfDayAt(scene.GameTime)),
		TimeDisplay:       world.Display(scene.GameTime),
	}
	for i, ev := range scene.Events {
		if i == maxStoryElements {
			break
		}
		ctx.StoryElements = append(ctx.StoryElements, staging.StoryElement{
			Name:        ev.Name,
			Description: ev.Description,
			Relevance:   ev.Relevance,
		})
	}
	names := make(map[string]string, len(scene.Cast))
	for _, m := range scene.Cast {
		names[m.Character.ID] = m.Character.Name
	}
	for _, d := range scene.Dialogue {
		ctx.Dialogues = append(ctx.Dialogues, staging.DialogueNote{
			CharacterID:   d.CharacterID,
			CharacterName: names[d.CharacterID],
			Summary:       d.Summary,
			GameTime:      d.GameTime,
		})
	}
	return ctx
}
