package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagehand/staging"
	"stagehand/staging/service"
)

type eventType int

const (
	evEnter eventType = iota
	evApprove
	evRegenerate
	evCancel
	evPreStage
	evInvalidate
	evSnapshot
	evProposal
)

// event is a message to a region actor.
type event struct {
	typ        eventType
	ctx        context.Context
	observerID string
	gameTime   time.Time
	requestID  string
	generation int
	guidance   string
	reason     string
	approval   ApprovalResponse
	preStage   service.PreStageInput
	proposal   *staging.Proposal
	err        error
	reply      chan result
}

type result struct {
	entry    EntryResult
	staging  *staging.Staging
	approval *ApprovalRequired
	err      error
}

// cycle is an open approval request.
type cycle struct {
	requestID  string
	gameTime   time.Time
	waiting    []string
	waitingSet map[string]bool
	guidance   []string
	generation int
	generating bool
	proposal   *staging.Proposal
	announced  bool
	// autoApproveAt is wall clock; zero while generating or when disabled.
	autoApproveAt time.Time
}

// region serializes everything that happens to one region's staging.
type region struct {
	id     string
	coord  *Coordinator
	events chan event
	done   chan struct{}
	once   sync.Once

	// Only touched from run().
	cycle *cycle
}

func newRegion(id string, coord *Coordinator) *region {
	r := &region{
		id:     id,
		coord:  coord,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	go r.run()
	log.Printf("[Region %s] Actor started", id)
	return r
}

func (r *region) run() {
	ticker := time.NewTicker(r.coord.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.events:
			res := r.handleEvent(e)
			if e.reply != nil {
				e.reply <- res
			}
		case now := <-ticker.C:
			r.tick(now)
		case <-r.done:
			log.Printf("[Region %s] Actor stopped", r.id)
			return
		}
	}
}

func (r *region) stop() {
	r.once.Do(func() { close(r.done) })
}

// submit sends an event to the actor and waits for its result.
func (r *region) submit(ctx context.Context, e event) (result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
	e.reply = make(chan result, 1)

	select {
	case r.events <- e:
	case <-r.done:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-e.reply:
		return res, res.err
	case <-r.done:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// post delivers an internal event without waiting for a reply.
func (r *region) post(e event) {
	e.ctx = r.coord.ctx
	select {
	case r.events <- e:
	case <-r.done:
	}
}

func (r *region) handleEvent(e event) result {
	switch e.typ {
	case evEnter:
		entry, err := r.handleEnter(e.ctx, e.observerID, e.gameTime)
		return result{entry: entry, err: err}
	case evApprove:
		st, err := r.handleApprove(e.ctx, e.approval)
		return result{staging: st, err: err}
	case evRegenerate:
		return result{err: r.handleRegenerate(e.requestID, e.guidance)}
	case evCancel:
		return result{err: r.handleCancel(e.requestID, e.reason)}
	case evPreStage:
		st, err := r.handlePreStage(e.ctx, e.preStage)
		return result{staging: st, err: err}
	case evInvalidate:
		return result{err: r.handleInvalidate(e.ctx)}
	case evSnapshot:
		if c := r.cycle; c != nil && c.proposal != nil {
			ar := r.approvalRequired(c)
			return result{approval: &ar}
		}
		return result{}
	case evProposal:
		r.handleProposal(e.requestID, e.generation, e.proposal, e.err)
		return result{}
	default:
		return result{err: fmt.Errorf("unknown event type: %d", e.typ)}
	}
}

func (r *region) handleEnter(ctx context.Context, observerID string, gameTime time.Time) (EntryResult, error) {
	svc := r.coord.svc
	clock, err := svc.GameTime(r.id)
	if err != nil {
		return EntryResult{}, err
	}
	if gameTime.IsZero() {
		gameTime = clock
	}

	if c := r.cycle; c != nil {
		if !c.waitingSet[observerID] {
			c.waitingSet[observerID] = true
			c.waiting = append(c.waiting, observerID)
			log.Printf("[Region %s] Observer %s joined request %s (%d waiting)", r.id, observerID, c.requestID, len(c.waiting))
			if c.announced {
				r.coord.notifier.NotifyApprovers(WaitingUpdated{
					RequestID:        c.requestID,
					RegionID:         r.id,
					WaitingObservers: append([]string(nil), c.waiting...),
				})
			}
		}
		r.coord.notifier.NotifyObserver(observerID, Pending{RegionID: r.id, RequestID: c.requestID})
		return EntryResult{Status: EntryPending, RegionID: r.id, RequestID: c.requestID}, nil
	}

	current, err := svc.GetCurrentStaging(ctx, r.id, gameTime)
	if err == nil {
		r.coord.notifier.NotifyObserver(observerID, readyFor(current, ""))
		return EntryResult{Status: EntryReady, RegionID: r.id, Staging: current}, nil
	}
	if !errors.Is(err, staging.ErrNotFound) {
		return EntryResult{}, err
	}

	c := &cycle{
		requestID:  uuid.NewString(),
		gameTime:   gameTime,
		waiting:    []string{observerID},
		waitingSet: map[string]bool{observerID: true},
	}
	r.cycle = c
	r.coord.registerRequest(c.requestID, r.id)
	log.Printf("[Region %s] Opened request %s for observer %s at %s", r.id, c.requestID, observerID, gameTime.Format(time.RFC3339))
	r.startGeneration(c)

	r.coord.notifier.NotifyObserver(observerID, Pending{RegionID: r.id, RequestID: c.requestID})
	return EntryResult{Status: EntryPending, RegionID: r.id, RequestID: c.requestID}, nil
}

// startGeneration runs both proposers off the actor; the result comes back
// as an evProposal tagged with the generation it was started for.
func (r *region) startGeneration(c *cycle) {
	c.generation++
	c.generating = true
	c.autoApproveAt = time.Time{}
	req := service.ProposalRequest{
		RegionID: r.id,
		GameTime: c.gameTime,
		Guidance: append([]string(nil), c.guidance...),
	}
	requestID, generation := c.requestID, c.generation
	go func() {
		p, err := r.coord.svc.GenerateProposal(r.coord.ctx, req)
		r.post(event{typ: evProposal, requestID: requestID, generation: generation, proposal: p, err: err})
	}()
}

func (r *region) handleProposal(requestID string, generation int, p *staging.Proposal, err error) {
	c := r.cycle
	if c == nil || c.requestID != requestID || c.generation != generation {
		log.Printf("[Region %s] Dropping stale proposal for request %s generation %d", r.id, requestID, generation)
		return
	}
	c.generating = false
	if err != nil {
		log.Printf("[Region %s] Proposal for request %s failed: %v", r.id, requestID, err)
		r.cancelCycle(fmt.Sprintf("proposal generation failed: %v", err))
		return
	}
	c.proposal = p
	if timeout := r.coord.opts.ApprovalTimeout; timeout > 0 {
		c.autoApproveAt = time.Now().Add(timeout)
	}

	ar := r.approvalRequired(c)
	if c.announced {
		r.coord.notifier.NotifyApprovers(ProposalRegenerated{ApprovalRequired: ar})
		log.Printf("[Region %s] Request %s regenerated (generation %d)", r.id, requestID, generation)
		return
	}
	c.announced = true
	r.coord.notifier.NotifyApprovers(ar)
	log.Printf("[Region %s] Approval required for request %s (rule=%d narrative=%d degraded=%v)",
		r.id, requestID, len(p.Rule.NPCs), len(p.Narrative.NPCs), p.Narrative.Degraded)
}

func (r *region) approvalRequired(c *cycle) ApprovalRequired {
	p := c.proposal
	ar := ApprovalRequired{
		RequestID:           c.requestID,
		RegionID:            p.RegionID,
		RegionName:          p.RegionName,
		LocationID:          p.LocationID,
		WorldID:             p.WorldID,
		GameTime:            p.GameTime,
		RuleCandidates:      p.Rule,
		NarrativeCandidates: p.Narrative,
		Context:             p.Context,
		DefaultTTLHours:     p.DefaultTTLHours,
		Previous:            p.Previous,
		WaitingObservers:    append([]string(nil), c.waiting...),
		Guidance:            append([]string(nil), c.guidance...),
	}
	if !c.autoApproveAt.IsZero() {
		at := c.autoApproveAt
		ar.AutoApproveAt = &at
	}
	return ar
}

func (r *region) openCycle(requestID string) (*cycle, error) {
	c := r.cycle
	if c == nil || c.requestID != requestID {
		return nil, staging.Invalid("unknown approval request %s", requestID)
	}
	return c, nil
}

func (r *region) handleApprove(ctx context.Context, resp ApprovalResponse) (*staging.Staging, error) {
	c, err := r.openCycle(resp.RequestID)
	if err != nil {
		return nil, err
	}
	if c.proposal == nil {
		return nil, staging.Invalid("request %s has no proposal yet", resp.RequestID)
	}
	source := resp.Source
	switch source {
	case staging.SourceUnknown:
		source = staging.SourceDMCustomized
	case staging.SourceRuleBased, staging.SourceLLMBased, staging.SourceDMCustomized:
	default:
		return nil, staging.Invalid("source %s cannot answer an approval request", source)
	}

	candidates := append(append([]staging.StagedNPC(nil), c.proposal.Rule.NPCs...), c.proposal.Narrative.NPCs...)
	if source == staging.SourceLLMBased {
		candidates = append(append([]staging.StagedNPC(nil), c.proposal.Narrative.NPCs...), c.proposal.Rule.NPCs...)
	}
	st, err := r.coord.svc.Approve(ctx, service.ApproveInput{
		RegionID:   r.id,
		GameTime:   c.gameTime,
		NPCs:       resp.NPCs,
		TTLHours:   resp.TTLHours,
		Source:     source,
		ApprovedBy: resp.ApprovedBy,
		Guidance:   c.guidance,
		Candidates: candidates,
	})
	if err != nil {
		log.Printf("[Region %s] Approval of request %s failed: %v", r.id, resp.RequestID, err)
		return nil, err
	}
	r.resolveCycle(st, OutcomeApproved)
	return st, nil
}

// resolveCycle sends one identical Ready to every waiting observer.
func (r *region) resolveCycle(st *staging.Staging, outcome string) {
	c := r.cycle
	ready := readyFor(st, c.requestID)
	for _, observerID := range c.waiting {
		r.coord.notifier.NotifyObserver(observerID, ready)
	}
	r.coord.notifier.NotifyApprovers(Resolved{RequestID: c.requestID, RegionID: r.id, Outcome: outcome, StagingID: st.ID})
	r.coord.releaseRequest(c.requestID)
	r.cycle = nil
	log.Printf("[Region %s] Request %s %s as staging %s, released %d observers", r.id, c.requestID, outcome, st.ID, len(c.waiting))
}

func (r *region) handleRegenerate(requestID, guidance string) error {
	c, err := r.openCycle(requestID)
	if err != nil {
		return err
	}
	if guidance != "" {
		c.guidance = append(c.guidance, guidance)
	}
	r.startGeneration(c)
	log.Printf("[Region %s] Regenerating request %s (generation %d, %d guidance notes)", r.id, requestID, c.generation, len(c.guidance))
	return nil
}

func (r *region) handleCancel(requestID, reason string) error {
	if _, err := r.openCycle(requestID); err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by approver"
	}
	r.cancelCycle(reason)
	return nil
}

func (r *region) cancelCycle(reason string) {
	c := r.cycle
	if c == nil {
		return
	}
	notice := Cancelled{RegionID: r.id, RequestID: c.requestID, Reason: reason}
	for _, observerID := range c.waiting {
		r.coord.notifier.NotifyObserver(observerID, notice)
	}
	r.coord.notifier.NotifyApprovers(Resolved{RequestID: c.requestID, RegionID: r.id, Outcome: OutcomeCancelled, Reason: reason})
	r.coord.releaseRequest(c.requestID)
	r.cycle = nil
	log.Printf("[Region %s] Request %s cancelled: %s", r.id, c.requestID, reason)
}

func (r *region) handlePreStage(ctx context.Context, in service.PreStageInput) (*staging.Staging, error) {
	if c := r.cycle; c != nil {
		return nil, staging.Invalid("region %s has open approval request %s", r.id, c.requestID)
	}
	in.RegionID = r.id
	return r.coord.svc.PreStage(ctx, in)
}

func (r *region) handleInvalidate(ctx context.Context) error {
	if err := r.coord.svc.Invalidate(ctx, r.id); err != nil {
		return err
	}
	r.cancelCycle("staging invalidated")
	return nil
}

func (r *region) tick(now time.Time) {
	c := r.cycle
	if c == nil || c.generating || c.proposal == nil || c.autoApproveAt.IsZero() {
		return
	}
	if now.Before(c.autoApproveAt) {
		return
	}
	c.autoApproveAt = time.Time{}

	ctx, cancel := context.WithTimeout(r.coord.ctx, 5*time.Second)
	defer cancel()
	st, err := r.coord.svc.AutoApprove(ctx, c.proposal, c.guidance)
	if err != nil {
		// Left open for a human decision.
		log.Printf("[Region %s] Auto-approval of request %s failed: %v", r.id, c.requestID, err)
		return
	}
	log.Printf("[Region %s] Request %s auto-approved after %s", r.id, c.requestID, r.coord.opts.ApprovalTimeout)
	r.resolveCycle(st, OutcomeAutoApproved)
}
