package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"stagehand/staging"
	"stagehand/staging/narrative"
	"stagehand/staging/rules"
	"stagehand/world"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	systemActor         = "system"
)

// World is the read side of the world registry used by the service.
type World interface {
	narrative.SceneSource
	Character(id string) (world.Character, bool)
	GameTime(worldID string) (time.Time, bool)
}

// RuleProposer produces the rule-based candidate set.
type RuleProposer interface {
	Propose(in rules.Input) staging.CandidateSet
}

// NarrativeProposer produces the narrative candidate set.
type NarrativeProposer interface {
	Propose(ctx context.Context, in narrative.Input) (staging.CandidateSet, error)
}

type Options struct {
	Config staging.Config
	// Narrative is optional; without it every proposal carries a degraded narrative branch.
	Narrative NarrativeProposer
	// CacheSize bounds the current-staging read cache (0 disables it).
	CacheSize int
	Now       func() time.Time
}

// Service is the façade over proposal generation, approval commits and
// staging reads. Commits for one region must be serialized by the caller.
type Service struct {
	store     staging.Store
	world     World
	rules     RuleProposer
	narrative NarrativeProposer
	cfg       staging.Config
	cache     *lru.Cache[string, *staging.Staging]
	now       func() time.Time

	// cacheMu orders cache fills against commits. A read only fills the cache
	// if no commit or invalidation for the region landed while it was reading.
	cacheMu sync.Mutex
	epochs  map[string]uint64
}

func New(store staging.Store, w World, rp RuleProposer, opts Options) (*Service, error) {
	if store == nil || w == nil || rp == nil {
		return nil, errors.New("service: store, world and rule proposer are required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("service config: %w", err)
	}
	s := &Service{
		store:     store,
		world:     w,
		rules:     rp,
		narrative: opts.Narrative,
		cfg:       opts.Config,
		now:       opts.Now,
		epochs:    make(map[string]uint64),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *staging.Staging](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("service cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Service) Config() staging.Config { return s.cfg }

// GameTime returns the in-world clock of the world a region belongs to.
func (s *Service) GameTime(regionID string) (time.Time, error) {
	_, _, w, ok := s.world.Scope(regionID)
	if !ok {
		return time.Time{}, fmt.Errorf("region %s: %w", regionID, staging.ErrNotFound)
	}
	t, ok := s.world.GameTime(w.ID)
	if !ok {
		return time.Time{}, fmt.Errorf("world %s: %w", w.ID, staging.ErrNotFound)
	}
	return t, nil
}

// GetCurrentStaging returns the region's active staging if it is still valid
// at gameTime, otherwise ErrNotFound. It never writes.
func (s *Service) GetCurrentStaging(ctx context.Context, regionID string, gameTime time.Time) (*staging.Staging, error) {
	current, err := s.current(ctx, regionID)
	if err != nil {
		return nil, err
	}
	if !current.ValidAt(gameTime) {
		return nil, fmt.Errorf("no valid staging for region %s at %s: %w", regionID, gameTime.Format(time.RFC3339), staging.ErrNotFound)
	}
	return current.Clone(), nil
}

func (s *Service) current(ctx context.Context, regionID string) (*staging.Staging, error) {
	if s.cache == nil {
		current, err := s.store.Current(ctx, regionID)
		if err != nil {
			return nil, staging.Persistence("current", err)
		}
		return current, nil
	}
	if cached, ok := s.cache.Get(regionID); ok {
		return cached, nil
	}

	s.cacheMu.Lock()
	epoch := s.epochs[regionID]
	s.cacheMu.Unlock()

	current, err := s.store.Current(ctx, regionID)
	if err != nil {
		return nil, staging.Persistence("current", err)
	}

	s.cacheMu.Lock()
	if s.epochs[regionID] == epoch {
		s.cache.Add(regionID, current.Clone())
	}
	s.cacheMu.Unlock()
	return current, nil
}

// publish bumps the region epoch and replaces (or drops, when st is nil)
// its cache entry. Call it after the store write, never before.
func (s *Service) publish(regionID string, st *staging.Staging) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.epochs[regionID]++
	if st == nil {
		s.cache.Remove(regionID)
		return
	}
	s.cache.Add(regionID, st.Clone())
}

type ProposalRequest struct {
	RegionID string
	GameTime time.Time
	// Guidance is the approver's guidance history for this cycle, oldest first.
	Guidance   []string
	Additional map[string]string
}

// GenerateProposal runs both proposers concurrently. A failing narrative
// branch is logged and replaced by an empty, degraded candidate set.
func (s *Service) GenerateProposal(ctx context.Context, req ProposalRequest) (*staging.Proposal, error) {
	scene, ok := narrative.LoadScene(s.world, req.RegionID, req.GameTime)
	if !ok {
		return nil, fmt.Errorf("region %s: %w", req.RegionID, staging.ErrNotFound)
	}

	previous, err := s.GetPrevious(ctx, req.RegionID)
	if err != nil && !errors.Is(err, staging.ErrNotFound) {
		return nil, err
	}
	var previousNPCs []staging.StagedNPC
	if previous != nil {
		previousNPCs = previous.NPCs
	}

	sceneCtx := narrative.BuildContext(scene)
	if len(req.Additional) > 0 {
		sceneCtx.Additional = req.Additional
	}

	proposal := &staging.Proposal{
		RegionID:        scene.Region.ID,
		LocationID:      scene.Location.ID,
		WorldID:         scene.Location.WorldID,
		RegionName:      scene.Region.Name,
		GameTime:        req.GameTime,
		Context:         sceneCtx,
		DefaultTTLHours: s.cfg.DefaultTTLHours,
		Previous:        previous,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		proposal.Rule = s.rules.Propose(rules.Input{
			RegionID: req.RegionID,
			GameTime: req.GameTime,
			Cast:     scene.Cast,
			Previous: previousNPCs,
		})
		return nil
	})
	g.Go(func() error {
		proposal.Narrative = s.proposeNarrative(gctx, narrative.Input{
			Scene:    scene,
			Context:  sceneCtx,
			Guidance: req.Guidance,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proposal, nil
}

func (s *Service) proposeNarrative(ctx context.Context, in narrative.Input) staging.CandidateSet {
	if s.narrative == nil {
		return staging.CandidateSet{Source: staging.SourceLLMBased, Degraded: true, Failure: "narrative generation disabled"}
	}
	set, err := s.narrative.Propose(ctx, in)
	if err != nil {
		log.Printf("[Staging] region=%s narrative branch degraded: %v", in.Scene.Region.ID, err)
		return staging.CandidateSet{Source: staging.SourceLLMBased, Degraded: true, Failure: err.Error()}
	}
	return set
}

// NPCDecision is one NPC in an approver's final list.
type NPCDecision struct {
	CharacterID         string `json:"characterId"`
	IsPresent           bool   `json:"isPresent"`
	IsHiddenFromPlayers bool   `json:"isHiddenFromPlayers"`
	Reasoning           string `json:"reasoning,omitempty"`
	Mood                string `json:"mood,omitempty"`
}

// Decisions converts candidates into decisions, keeping their reasoning.
func Decisions(npcs []staging.StagedNPC) []NPCDecision {
	out := make([]NPCDecision, 0, len(npcs))
	for _, n := range npcs {
		out = append(out, NPCDecision{
			CharacterID:         n.CharacterID,
			IsPresent:           n.IsPresent,
			IsHiddenFromPlayers: n.IsHiddenFromPlayers,
			Reasoning:           n.Reasoning,
			Mood:                n.Mood,
		})
	}
	return out
}

type ApproveInput struct {
	RegionID   string
	GameTime   time.Time
	NPCs       []NPCDecision
	TTLHours   int
	Source     staging.Source
	ApprovedBy string
	Guidance   []string
	// Candidates supply reasoning for decisions that come without any.
	Candidates []staging.StagedNPC
}

// Approve validates and atomically commits a staging. It is the only path
// that writes stagings.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (*staging.Staging, error) {
	region, location, w, ok := s.world.Scope(in.RegionID)
	if !ok {
		return nil, fmt.Errorf("region %s: %w", in.RegionID, staging.ErrNotFound)
	}
	if in.Source == staging.SourceUnknown {
		return nil, staging.Invalid("staging source is required")
	}
	approvedBy := strings.TrimSpace(in.ApprovedBy)
	if approvedBy == "" {
		return nil, staging.Invalid("approving actor is required")
	}
	if in.GameTime.IsZero() {
		return nil, staging.Invalid("game time is required")
	}
	ttl, err := s.cfg.ResolveTTL(in.TTLHours)
	if err != nil {
		return nil, err
	}
	npcs, err := s.resolveNPCs(w.ID, in.NPCs, in.Candidates, approvedBy)
	if err != nil {
		return nil, err
	}

	st := &staging.Staging{
		ID:         uuid.NewString(),
		RegionID:   region.ID,
		LocationID: location.ID,
		WorldID:    location.WorldID,
		NPCs:       npcs,
		GameTime:   in.GameTime,
		ApprovedAt: s.now().UTC(),
		TTLHours:   ttl,
		ApprovedBy: approvedBy,
		Source:     in.Source,
		Guidance:   joinGuidance(in.Guidance),
		IsActive:   true,
	}
	if err := s.store.Commit(ctx, st); err != nil {
		s.publish(st.RegionID, nil)
		return nil, staging.Persistence("commit", err)
	}
	s.publish(st.RegionID, st)
	log.Printf("[Staging] region=%s committed staging=%s source=%s npcs=%d ttl=%dh by=%s",
		st.RegionID, st.ID, st.Source, len(st.NPCs), st.TTLHours, st.ApprovedBy)
	return st.Clone(), nil
}

func (s *Service) resolveNPCs(worldID string, decisions []NPCDecision, candidates []staging.StagedNPC, approvedBy string) ([]staging.StagedNPC, error) {
	reasons := make(map[string]string, len(candidates))
	for _, c := range candidates {
		if c.Reasoning != "" {
			if _, ok := reasons[c.CharacterID]; !ok {
				reasons[c.CharacterID] = c.Reasoning
			}
		}
	}

	out := make([]staging.StagedNPC, 0, len(decisions))
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if d.CharacterID == "" {
			return nil, staging.Invalid("npc character id is required")
		}
		if seen[d.CharacterID] {
			return nil, staging.Invalid("npc %s listed twice", d.CharacterID)
		}
		seen[d.CharacterID] = true
		c, ok := s.world.Character(d.CharacterID)
		if !ok {
			return nil, staging.Invalid("unknown character %s", d.CharacterID)
		}
		if c.WorldID != worldID {
			return nil, staging.Invalid("character %s is not in world %s", d.CharacterID, worldID)
		}

		reasoning := strings.TrimSpace(d.Reasoning)
		if reasoning == "" {
			reasoning = reasons[d.CharacterID]
		}
		if reasoning == "" {
			reasoning = "Set by " + approvedBy
		}
		mood := strings.TrimSpace(d.Mood)
		if mood == "" {
			mood = c.DefaultMood
		}
		out = append(out, staging.StagedNPC{
			CharacterID:         c.ID,
			Name:                c.Name,
			SpriteAsset:         c.SpriteAsset,
			PortraitAsset:       c.PortraitAsset,
			Mood:                mood,
			IsPresent:           d.IsPresent,
			IsHiddenFromPlayers: d.IsPresent && d.IsHiddenFromPlayers,
			Reasoning:           reasoning,
		})
	}
	return out, nil
}

func joinGuidance(guidance []string) string {
	var parts []string
	for _, g := range guidance {
		if g = strings.TrimSpace(g); g != "" {
			parts = append(parts, g)
		}
	}
	return strings.Join(parts, "\n")
}

type PreStageInput struct {
	RegionID   string
	NPCs       []NPCDecision
	TTLHours   int
	ApprovedBy string
	// GameTime defaults to the world clock when zero.
	GameTime time.Time
}

// PreStage commits an approver-authored staging without running any proposer.
func (s *Service) PreStage(ctx context.Context, in PreStageInput) (*staging.Staging, error) {
	gameTime := in.GameTime
	if gameTime.IsZero() {
		t, err := s.GameTime(in.RegionID)
		if err != nil {
			return nil, err
		}
		gameTime = t
	}
	return s.Approve(ctx, ApproveInput{
		RegionID:   in.RegionID,
		GameTime:   gameTime,
		NPCs:       in.NPCs,
		TTLHours:   in.TTLHours,
		Source:     staging.SourcePreStaged,
		ApprovedBy: in.ApprovedBy,
	})
}

// AutoApprove commits the rule candidates of a proposal on behalf of the system.
func (s *Service) AutoApprove(ctx context.Context, p *staging.Proposal, guidance []string) (*staging.Staging, error) {
	decisions := Decisions(p.Rule.NPCs)
	for i := range decisions {
		decisions[i].Reasoning = "[Auto-approved] " + decisions[i].Reasoning
	}
	return s.Approve(ctx, ApproveInput{
		RegionID:   p.RegionID,
		GameTime:   p.GameTime,
		NPCs:       decisions,
		TTLHours:   p.DefaultTTLHours,
		Source:     staging.SourceAutoApproved,
		ApprovedBy: systemActor,
		Guidance:   guidance,
	})
}

// GetPrevious returns the most recent staging of a region regardless of expiry.
func (s *Service) GetPrevious(ctx context.Context, regionID string) (*staging.Staging, error) {
	history, err := s.GetHistory(ctx, regionID, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("region %s has no stagings: %w", regionID, staging.ErrNotFound)
	}
	return history[0], nil
}

// GetHistory returns past stagings, most recent approval first.
func (s *Service) GetHistory(ctx context.Context, regionID string, limit int) ([]*staging.Staging, error) {
	if _, _, _, ok := s.world.Scope(regionID); !ok {
		return nil, fmt.Errorf("region %s: %w", regionID, staging.ErrNotFound)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	history, err := s.store.History(ctx, regionID, limit)
	if err != nil {
		return nil, staging.Persistence("history", err)
	}
	return history, nil
}

// Invalidate deactivates the region's current staging.
func (s *Service) Invalidate(ctx context.Context, regionID string) error {
	if _, _, _, ok := s.world.Scope(regionID); !ok {
		return fmt.Errorf("region %s: %w", regionID, staging.ErrNotFound)
	}
	err := s.store.Deactivate(ctx, regionID)
	s.publish(regionID, nil)
	if err != nil {
		return staging.Persistence("deactivate", err)
	}
	log.Printf("[Staging] region=%s invalidated", regionID)
	return nil
}
