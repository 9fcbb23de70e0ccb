package coordinator

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"stagehand/staging"
	"stagehand/staging/service"
)

var ErrClosed = errors.New("coordinator closed")

// StagingService is the part of the staging service the coordinator drives.
type StagingService interface {
	GameTime(regionID string) (time.Time, error)
	GetCurrentStaging(ctx context.Context, regionID string, gameTime time.Time) (*staging.Staging, error)
	GenerateProposal(ctx context.Context, req service.ProposalRequest) (*staging.Proposal, error)
	Approve(ctx context.Context, in service.ApproveInput) (*staging.Staging, error)
	AutoApprove(ctx context.Context, p *staging.Proposal, guidance []string) (*staging.Staging, error)
	PreStage(ctx context.Context, in service.PreStageInput) (*staging.Staging, error)
	Invalidate(ctx context.Context, regionID string) error
}

type Options struct {
	// ApprovalTimeout auto-approves rule candidates of unanswered requests (0 disables).
	ApprovalTimeout time.Duration
	// TickInterval is the region actor heartbeat; defaults to 500ms.
	TickInterval time.Duration
}

// Coordinator owns one actor per region and routes approver messages to
// the region that issued the request.
type Coordinator struct {
	mu       sync.Mutex
	regions  map[string]*region
	requests map[string]string // requestID -> regionID
	closed   bool

	svc      StagingService
	notifier Notifier
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc
}

func New(svc StagingService, notifier Notifier, opts Options) *Coordinator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		regions:  make(map[string]*region),
		requests: make(map[string]string),
		svc:      svc,
		notifier: notifier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EntryStatus is the immediate answer to an observer entering a region.
type EntryStatus string

const (
	EntryReady   EntryStatus = "ready"
	EntryPending EntryStatus = "pending"
)

type EntryResult struct {
	Status    EntryStatus      `json:"status"`
	RegionID  string           `json:"regionId"`
	RequestID string           `json:"requestId,omitempty"`
	Staging   *staging.Staging `json:"staging,omitempty"`
}

// ObserverEntersRegion returns immediately: either the valid staging, or a
// pending acknowledgement for the region's single open approval request.
// A zero gameTime uses the world clock.
func (c *Coordinator) ObserverEntersRegion(ctx context.Context, regionID, observerID string, gameTime time.Time) (EntryResult, error) {
	if regionID == "" || observerID == "" {
		return EntryResult{}, staging.Invalid("region and observer are required")
	}
	r, err := c.region(regionID)
	if err != nil {
		return EntryResult{}, err
	}
	res, err := r.submit(ctx, event{typ: evEnter, observerID: observerID, gameTime: gameTime})
	return res.entry, err
}

// ApprovalResponse is an approver's final decision for a request.
type ApprovalResponse struct {
	RequestID  string                `json:"requestId"`
	NPCs       []service.NPCDecision `json:"approvedNpcs"`
	TTLHours   int                   `json:"ttlHours"`
	Source     staging.Source        `json:"source"`
	ApprovedBy string                `json:"approvedBy"`
}

// Approve commits an approver's decision and releases every waiting observer.
func (c *Coordinator) Approve(ctx context.Context, resp ApprovalResponse) (*staging.Staging, error) {
	r, err := c.regionForRequest(resp.RequestID)
	if err != nil {
		return nil, err
	}
	res, err := r.submit(ctx, event{typ: evApprove, requestID: resp.RequestID, approval: resp})
	return res.staging, err
}

// Regenerate reruns both proposers for an open request with more guidance.
func (c *Coordinator) Regenerate(ctx context.Context, requestID, guidance string) error {
	r, err := c.regionForRequest(requestID)
	if err != nil {
		return err
	}
	_, err = r.submit(ctx, event{typ: evRegenerate, requestID: requestID, guidance: guidance})
	return err
}

// Cancel drops an open request; waiting observers are told it was cancelled.
func (c *Coordinator) Cancel(ctx context.Context, requestID, reason string) error {
	r, err := c.regionForRequest(requestID)
	if err != nil {
		return err
	}
	_, err = r.submit(ctx, event{typ: evCancel, requestID: requestID, reason: reason})
	return err
}

// PreStage commits an approver-authored staging without an approval cycle.
func (c *Coordinator) PreStage(ctx context.Context, in service.PreStageInput) (*staging.Staging, error) {
	if in.RegionID == "" {
		return nil, staging.Invalid("region is required")
	}
	r, err := c.region(in.RegionID)
	if err != nil {
		return nil, err
	}
	res, err := r.submit(ctx, event{typ: evPreStage, preStage: in})
	return res.staging, err
}

// Invalidate forces a region back to having no staging.
func (c *Coordinator) Invalidate(ctx context.Context, regionID string) error {
	if regionID == "" {
		return staging.Invalid("region is required")
	}
	r, err := c.region(regionID)
	if err != nil {
		return err
	}
	_, err = r.submit(ctx, event{typ: evInvalidate})
	return err
}

// PendingApprovals lists open requests whose proposals are ready, so a
// reconnecting approver can catch up.
func (c *Coordinator) PendingApprovals(ctx context.Context) []ApprovalRequired {
	c.mu.Lock()
	regions := make([]*region, 0, len(c.requests))
	for _, regionID := range c.requests {
		if r := c.regions[regionID]; r != nil {
			regions = append(regions, r)
		}
	}
	c.mu.Unlock()

	var out []ApprovalRequired
	for _, r := range regions {
		res, err := r.submit(ctx, event{typ: evSnapshot})
		if err != nil || res.approval == nil {
			continue
		}
		out = append(out, *res.approval)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// Close stops every region actor.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	for _, r := range c.regions {
		r.stop()
	}
	log.Printf("[Coordinator] Closed (%d regions)", len(c.regions))
}

// region finds or starts the actor for a region known to the world.
func (c *Coordinator) region(regionID string) (*region, error) {
	if _, err := c.svc.GameTime(regionID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if r, ok := c.regions[regionID]; ok {
		return r, nil
	}
	r := newRegion(regionID, c)
	c.regions[regionID] = r
	return r, nil
}

func (c *Coordinator) regionForRequest(requestID string) (*region, error) {
	if requestID == "" {
		return nil, staging.Invalid("request id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	regionID, ok := c.requests[requestID]
	if !ok {
		return nil, staging.Invalid("unknown approval request %s", requestID)
	}
	return c.regions[regionID], nil
}

func (c *Coordinator) registerRequest(requestID, regionID string) {
	c.mu.Lock()
	c.requests[requestID] = regionID
	c.mu.Unlock()
}

func (c *Coordinator) releaseRequest(requestID string) {
	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
}
