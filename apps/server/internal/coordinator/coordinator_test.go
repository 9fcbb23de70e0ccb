package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"stagehand/apps/server/internal/store"
	"stagehand/staging"
	"stagehand/staging/narrative"
	"stagehand/staging/rules"
	"stagehand/staging/service"
	"stagehand/world"
)

var gameT = time.Date(1372, 3, 14, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	observers map[string][]Event
	approvers []Event
}

func newRecorder() *recorder {
	return &recorder{observers: make(map[string][]Event)}
}

func (r *recorder) NotifyObserver(observerID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[observerID] = append(r.observers[observerID], ev)
}

func (r *recorder) NotifyApprovers(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvers = append(r.approvers, ev)
}

func (r *recorder) approverEvents(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.approvers {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) observerEvents(observerID, kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.observers[observerID] {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// gatedNarrative blocks every call until the gate is closed.
type gatedNarrative struct {
	gate     chan struct{}
	err      error
	mu       sync.Mutex
	guidance [][]string
}

func (g *gatedNarrative) Propose(ctx context.Context, in narrative.Input) (staging.CandidateSet, error) {
	g.mu.Lock()
	g.guidance = append(g.guidance, append([]string(nil), in.Guidance...))
	g.mu.Unlock()
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return staging.CandidateSet{}, ctx.Err()
		}
	}
	if g.err != nil {
		return staging.CandidateSet{Source: staging.SourceLLMBased}, g.err
	}
	return staging.CandidateSet{
		Source: staging.SourceLLMBased,
		NPCs:   []staging.StagedNPC{{CharacterID: "garaele", Name: "Sister Garaele", IsPresent: true, Reasoning: "[LLM] Seeking adventurers"}},
	}, nil
}

func (g *gatedNarrative) calls() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]string(nil), g.guidance...)
}

type harness struct {
	coord *Coordinator
	svc   *service.Service
	rec   *recorder
	nar   *gatedNarrative
}

func newHarness(t *testing.T, nar *gatedNarrative, opts Options) *harness {
	t.Helper()
	reg := world.NewRegistry()
	err := reg.Load(world.Seed{
		Worlds:    []world.World{{ID: "w1", Name: "Sword Coast", GameTime: gameT}},
		Locations: []world.Location{{ID: "town", WorldID: "w1", Name: "Phandalin"}},
		Regions:   []world.Region{{ID: "tavern", LocationID: "town", Name: "Stonehill Inn"}},
		Characters: []world.Character{
			{ID: "toblen", WorldID: "w1", Name: "Toblen Stonehill"},
			{ID: "garaele", WorldID: "w1", Name: "Sister Garaele"},
		},
		Relationships: []world.Relationship{
			{CharacterID: "toblen", RegionID: "tavern", Type: world.RelationWorksAt, Shift: world.ShiftAlways},
			{CharacterID: "garaele", RegionID: "tavern", Type: world.RelationFrequents, Frequency: world.FrequencyRarely},
		},
	})
	if err != nil {
		t.Fatalf("load world: %v", err)
	}

	var np service.NarrativeProposer
	if nar != nil {
		np = nar
	}
	svc, err := service.New(store.NewMemoryStore(), reg, rules.New(), service.Options{
		Config:    staging.DefaultConfig(),
		Narrative: np,
		CacheSize: 8,
	})
	if err != nil {
		t.Fatalf("service.New err: %v", err)
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = 10 * time.Millisecond
	}
	rec := newRecorder()
	coord := New(svc, rec, opts)
	t.Cleanup(coord.Close)
	return &harness{coord: coord, svc: svc, rec: rec, nar: nar}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) awaitApproval(t *testing.T) ApprovalRequired {
	t.Helper()
	eventually(t, "approval request", func() bool { return len(h.rec.approverEvents(KindApprovalRequired)) > 0 })
	return h.rec.approverEvents(KindApprovalRequired)[0].(ApprovalRequired)
}

func enterAll(t *testing.T, h *harness, n int, at time.Time) []EntryResult {
	t.Helper()
	results := make([]EntryResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coord.ObserverEntersRegion(context.Background(), "tavern", fmt.Sprintf("obs-%d", i), at)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("observer %d enter err: %v", i, err)
		}
	}
	return results
}

func TestConcurrentEntriesShareOneRequest(t *testing.T) {
	nar := &gatedNarrative{gate: make(chan struct{})}
	h := newHarness(t, nar, Options{})

	const observers = 25
	results := enterAll(t, h, observers, gameT)
	requestID := results[0].RequestID
	for i, res := range results {
		if res.Status != EntryPending || res.RequestID != requestID {
			t.Fatalf("observer %d: got %+v, want pending on %s", i, res, requestID)
		}
		if len(h.rec.observerEvents(fmt.Sprintf("obs-%d", i), KindPending)) != 1 {
			t.Fatalf("observer %d should have exactly one pending ack", i)
		}
	}

	close(nar.gate)
	ar := h.awaitApproval(t)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.rec.approverEvents(KindApprovalRequired)); got != 1 {
		t.Fatalf("expected exactly one approval request, got %d", got)
	}
	if ar.RequestID != requestID || len(ar.WaitingObservers) != observers {
		t.Fatalf("approval request should carry all %d observers: id=%s waiting=%d", observers, ar.RequestID, len(ar.WaitingObservers))
	}
	if len(nar.calls()) != 1 {
		t.Fatalf("proposers should run once per cycle, narrative ran %d times", len(nar.calls()))
	}
}

func TestApproveReleasesAllWaitingObservers(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{})
	const observers = 5
	enterAll(t, h, observers, gameT)
	ar := h.awaitApproval(t)

	st, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       service.Decisions(ar.RuleCandidates.NPCs),
		TTLHours:   3,
		Source:     staging.SourceRuleBased,
		ApprovedBy: "dm-1",
	})
	if err != nil {
		t.Fatalf("Approve err: %v", err)
	}
	if st.Source != staging.SourceRuleBased || st.ApprovedBy != "dm-1" || !st.GameTime.Equal(gameT) {
		t.Fatalf("unexpected staging: %+v", st)
	}

	var first *Ready
	for i := 0; i < observers; i++ {
		events := h.rec.observerEvents(fmt.Sprintf("obs-%d", i), KindReady)
		if len(events) != 1 {
			t.Fatalf("observer %d got %d ready events, want 1", i, len(events))
		}
		ready := events[0].(Ready)
		if first == nil {
			first = &ready
			continue
		}
		if diff := cmp.Diff(*first, ready); diff != "" {
			t.Fatalf("observer %d got a different ready (-first +got):\n%s", i, diff)
		}
	}
	if first.StagingID != st.ID || len(first.NPCs) == 0 {
		t.Fatalf("ready should reference the committed staging: %+v", first)
	}
	resolved := h.rec.approverEvents(KindResolved)
	if len(resolved) != 1 || resolved[0].(Resolved).Outcome != OutcomeApproved {
		t.Fatalf("approvers should see one approved resolution: %+v", resolved)
	}

	if _, err := h.coord.Approve(context.Background(), ApprovalResponse{RequestID: ar.RequestID, ApprovedBy: "dm-1"}); !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("approving a closed request should be a validation error, got %v", err)
	}
}

func TestRegeneratePreservesRequestAndWaiters(t *testing.T) {
	nar := &gatedNarrative{}
	h := newHarness(t, nar, Options{})
	enterAll(t, h, 3, gameT)
	ar := h.awaitApproval(t)

	if err := h.coord.Regenerate(context.Background(), ar.RequestID, "the inn is closed"); err != nil {
		t.Fatalf("Regenerate err: %v", err)
	}
	eventually(t, "first regeneration", func() bool { return len(h.rec.approverEvents(KindRegenerated)) == 1 })
	if err := h.coord.Regenerate(context.Background(), ar.RequestID, "but Toblen is inside"); err != nil {
		t.Fatalf("Regenerate err: %v", err)
	}
	eventually(t, "second regeneration", func() bool { return len(h.rec.approverEvents(KindRegenerated)) == 2 })

	regen := h.rec.approverEvents(KindRegenerated)[1].(ProposalRegenerated)
	if regen.RequestID != ar.RequestID {
		t.Fatalf("request id changed: %s -> %s", ar.RequestID, regen.RequestID)
	}
	if diff := cmp.Diff(ar.WaitingObservers, regen.WaitingObservers); diff != "" {
		t.Fatalf("waiting set changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"the inn is closed", "but Toblen is inside"}, regen.Guidance); diff != "" {
		t.Fatalf("guidance history mismatch (-want +got):\n%s", diff)
	}
	calls := nar.calls()
	if len(calls) != 3 || len(calls[2]) != 2 {
		t.Fatalf("narrative should see accumulated guidance, calls=%v", calls)
	}
	if got := len(h.rec.approverEvents(KindApprovalRequired)); got != 1 {
		t.Fatalf("regeneration must not emit new approval requests, got %d", got)
	}

	st, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       service.Decisions(regen.NarrativeCandidates.NPCs),
		Source:     staging.SourceLLMBased,
		ApprovedBy: "dm-1",
	})
	if err != nil {
		t.Fatalf("Approve err: %v", err)
	}
	if st.Guidance != "the inn is closed\nbut Toblen is inside" {
		t.Fatalf("guidance not recorded on staging: %q", st.Guidance)
	}
	for i := 0; i < 3; i++ {
		if len(h.rec.observerEvents(fmt.Sprintf("obs-%d", i), KindReady)) != 1 {
			t.Fatalf("observer %d not released after regeneration", i)
		}
	}
}

func TestPreStageSkipsApproval(t *testing.T) {
	nar := &gatedNarrative{}
	h := newHarness(t, nar, Options{})

	st, err := h.coord.PreStage(context.Background(), service.PreStageInput{
		RegionID:   "tavern",
		NPCs:       []service.NPCDecision{{CharacterID: "toblen", IsPresent: true, Reasoning: "Setting up for the feast"}},
		TTLHours:   6,
		ApprovedBy: "dm-1",
		GameTime:   gameT,
	})
	if err != nil {
		t.Fatalf("PreStage err: %v", err)
	}
	if st.Source != staging.SourcePreStaged {
		t.Fatalf("source = %v, want prestaged", st.Source)
	}

	res, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("enter err: %v", err)
	}
	if res.Status != EntryReady || res.Staging.ID != st.ID {
		t.Fatalf("observer should get the prestaged staging immediately: %+v", res)
	}
	time.Sleep(30 * time.Millisecond)
	if len(h.rec.approverEvents(KindApprovalRequired)) != 0 || len(nar.calls()) != 0 {
		t.Fatalf("pre-staging must not trigger proposers or approval requests")
	}
	if len(h.rec.observerEvents("obs-1", KindReady)) != 1 {
		t.Fatalf("observer should be pushed a ready event")
	}
}

func TestPreStageRejectedWhilePending(t *testing.T) {
	nar := &gatedNarrative{gate: make(chan struct{})}
	h := newHarness(t, nar, Options{})
	defer close(nar.gate)

	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	_, err := h.coord.PreStage(context.Background(), service.PreStageInput{RegionID: "tavern", ApprovedBy: "dm-1", GameTime: gameT})
	if !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("expected validation error while pending, got %v", err)
	}
}

func TestNarrativeFailureDegradesAndStillApproves(t *testing.T) {
	h := newHarness(t, &gatedNarrative{err: narrative.ErrTimeout}, Options{})
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	ar := h.awaitApproval(t)
	if !ar.NarrativeCandidates.Degraded || len(ar.NarrativeCandidates.NPCs) != 0 {
		t.Fatalf("narrative branch should be degraded: %+v", ar.NarrativeCandidates)
	}
	if len(ar.RuleCandidates.NPCs) != 2 {
		t.Fatalf("rule branch should be complete: %+v", ar.RuleCandidates)
	}

	if _, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       service.Decisions(ar.RuleCandidates.NPCs),
		Source:     staging.SourceRuleBased,
		ApprovedBy: "dm-1",
	}); err != nil {
		t.Fatalf("Approve err: %v", err)
	}
	if len(h.rec.observerEvents("obs-1", KindReady)) != 1 {
		t.Fatalf("observer should be released")
	}
}

func TestExpiredStagingOpensNewCycle(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{})
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	ar := h.awaitApproval(t)
	if _, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       service.Decisions(ar.RuleCandidates.NPCs),
		TTLHours:   3,
		Source:     staging.SourceRuleBased,
		ApprovedBy: "dm-1",
	}); err != nil {
		t.Fatalf("Approve err: %v", err)
	}

	res, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-2", gameT.Add(time.Hour))
	if err != nil || res.Status != EntryReady {
		t.Fatalf("one hour later the staging should be served: %+v %v", res, err)
	}
	res, err = h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-3", gameT.Add(4*time.Hour))
	if err != nil || res.Status != EntryPending || res.RequestID == ar.RequestID {
		t.Fatalf("four hours later a new cycle should open: %+v %v", res, err)
	}
	eventually(t, "second approval request", func() bool { return len(h.rec.approverEvents(KindApprovalRequired)) == 2 })
}

func TestAutoApproveAfterTimeout(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{ApprovalTimeout: 40 * time.Millisecond})
	enterAll(t, h, 2, gameT)
	ar := h.awaitApproval(t)
	if ar.AutoApproveAt == nil {
		t.Fatalf("approval request should announce the auto-approval deadline")
	}

	eventually(t, "auto approval", func() bool { return len(h.rec.observerEvents("obs-1", KindReady)) == 1 })
	current, err := h.svc.GetCurrentStaging(context.Background(), "tavern", gameT)
	if err != nil {
		t.Fatalf("auto-approved staging should be current: %v", err)
	}
	if current.Source != staging.SourceAutoApproved || current.ApprovedBy != "system" {
		t.Fatalf("unexpected auto-approved staging: %+v", current)
	}
	resolved := h.rec.approverEvents(KindResolved)
	if len(resolved) != 1 || resolved[0].(Resolved).Outcome != OutcomeAutoApproved {
		t.Fatalf("approvers should see the auto-approval: %+v", resolved)
	}
	if len(h.rec.observerEvents("obs-0", KindReady)) != 1 {
		t.Fatalf("every waiting observer should be released")
	}
}

func TestNoAutoApproveWhenDisabled(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{ApprovalTimeout: 0})
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	ar := h.awaitApproval(t)
	if ar.AutoApproveAt != nil {
		t.Fatalf("no deadline expected when auto-approval is disabled")
	}
	time.Sleep(80 * time.Millisecond)
	if len(h.rec.observerEvents("obs-1", KindReady)) != 0 {
		t.Fatalf("observer must keep waiting for a human decision")
	}
	if pending := h.coord.PendingApprovals(context.Background()); len(pending) != 1 || pending[0].RequestID != ar.RequestID {
		t.Fatalf("request should still be pending: %+v", pending)
	}
}

func TestInvalidateCancelsPendingCycle(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{})
	enterAll(t, h, 2, gameT)
	ar := h.awaitApproval(t)

	if err := h.coord.Invalidate(context.Background(), "tavern"); err != nil {
		t.Fatalf("Invalidate err: %v", err)
	}
	for i := 0; i < 2; i++ {
		if len(h.rec.observerEvents(fmt.Sprintf("obs-%d", i), KindCancelled)) != 1 {
			t.Fatalf("observer %d should be told the request was cancelled", i)
		}
	}
	if err := h.coord.Regenerate(context.Background(), ar.RequestID, ""); !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("cancelled request should be unknown, got %v", err)
	}
	res, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-9", gameT)
	if err != nil || res.Status != EntryPending || res.RequestID == ar.RequestID {
		t.Fatalf("region should be back to no staging: %+v %v", res, err)
	}
}

func TestCancelAndUnknownInputs(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{})
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	ar := h.awaitApproval(t)
	if err := h.coord.Cancel(context.Background(), ar.RequestID, ""); err != nil {
		t.Fatalf("Cancel err: %v", err)
	}
	cancelled := h.rec.observerEvents("obs-1", KindCancelled)
	if len(cancelled) != 1 || cancelled[0].(Cancelled).Reason != "cancelled by approver" {
		t.Fatalf("unexpected cancellation: %+v", cancelled)
	}

	if _, err := h.coord.Approve(context.Background(), ApprovalResponse{RequestID: "nope"}); !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("unknown request: expected validation error, got %v", err)
	}
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "atlantis", "obs-1", gameT); !errors.Is(err, staging.ErrNotFound) {
		t.Fatalf("unknown region: expected not found, got %v", err)
	}
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "", gameT); !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("missing observer: expected validation error, got %v", err)
	}
}

func TestApproveRejectsUnknownCharacterAndKeepsCycle(t *testing.T) {
	h := newHarness(t, &gatedNarrative{}, Options{})
	if _, err := h.coord.ObserverEntersRegion(context.Background(), "tavern", "obs-1", gameT); err != nil {
		t.Fatalf("enter err: %v", err)
	}
	ar := h.awaitApproval(t)
	_, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       []service.NPCDecision{{CharacterID: "glasstaff", IsPresent: true}},
		ApprovedBy: "dm-1",
	})
	if !errors.Is(err, staging.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.coord.Approve(context.Background(), ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       []service.NPCDecision{{CharacterID: "toblen", IsPresent: true}},
		ApprovedBy: "dm-1",
	}); err != nil {
		t.Fatalf("request should still be open after a rejected approval: %v", err)
	}
}

func TestLaterEntryJoinsPendingCycleAtOriginalGameTime(t *testing.T) {
	nar := &gatedNarrative{gate: make(chan struct{})}
	h := newHarness(t, nar, Options{})
	ctx := context.Background()

	first, err := h.coord.ObserverEntersRegion(ctx, "tavern", "o1", gameT)
	if err != nil || first.Status != EntryPending {
		t.Fatalf("o1 enter: %+v %v", first, err)
	}
	second, err := h.coord.ObserverEntersRegion(ctx, "tavern", "o2", gameT.Add(10*time.Minute))
	if err != nil || second.Status != EntryPending || second.RequestID != first.RequestID {
		t.Fatalf("o2 should join request %s: %+v %v", first.RequestID, second, err)
	}

	close(nar.gate)
	ar := h.awaitApproval(t)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.rec.approverEvents(KindApprovalRequired)); got != 1 {
		t.Fatalf("expected one approval request, got %d", got)
	}
	if diff := cmp.Diff([]string{"o1", "o2"}, ar.WaitingObservers); diff != "" {
		t.Fatalf("waiting observers mismatch (-want +got):\n%s", diff)
	}

	st, err := h.coord.Approve(ctx, ApprovalResponse{
		RequestID:  ar.RequestID,
		NPCs:       service.Decisions(append(ar.RuleCandidates.NPCs[:1:1], ar.NarrativeCandidates.NPCs...)),
		TTLHours:   3,
		Source:     staging.SourceLLMBased,
		ApprovedBy: "dm-1",
	})
	if err != nil {
		t.Fatalf("Approve err: %v", err)
	}
	if !st.GameTime.Equal(gameT) {
		t.Fatalf("staging game time = %s, want the opening entry's %s", st.GameTime, gameT)
	}

	readyO1 := h.rec.observerEvents("o1", KindReady)
	readyO2 := h.rec.observerEvents("o2", KindReady)
	if len(readyO1) != 1 || len(readyO2) != 1 {
		t.Fatalf("both observers should get one ready: o1=%d o2=%d", len(readyO1), len(readyO2))
	}
	if diff := cmp.Diff(readyO1[0], readyO2[0]); diff != "" {
		t.Fatalf("observers got different ready events (-o1 +o2):\n%s", diff)
	}

	if _, err := h.svc.GetCurrentStaging(ctx, "tavern", gameT.Add(time.Hour)); err != nil {
		t.Fatalf("staging should be valid at T+1h: %v", err)
	}
	if _, err := h.svc.GetCurrentStaging(ctx, "tavern", gameT.Add(4*time.Hour)); !errors.Is(err, staging.ErrNotFound) {
		t.Fatalf("staging should be expired at T+4h, got %v", err)
	}
}
