package coordinator

import (
	"time"

	"stagehand/staging"
)

// Event kinds pushed to observers and approvers.
const (
	KindApprovalRequired = "staging_approval_required"
	KindRegenerated      = "staging_regenerated"
	KindWaitingUpdated   = "staging_waiting_updated"
	KindResolved         = "staging_resolved"
	KindPending          = "staging_pending"
	KindReady            = "staging_ready"
	KindCancelled        = "staging_cancelled"
)

// Event is an outbound notification.
type Event interface {
	Kind() string
}

// Notifier delivers events. Calls are made from region actors and must not
// block; slow receivers should drop rather than stall a region.
type Notifier interface {
	NotifyObserver(observerID string, ev Event)
	NotifyApprovers(ev Event)
}

// ApprovalRequired asks approvers to pick the NPCs for a region.
type ApprovalRequired struct {
	RequestID           string               `json:"requestId"`
	RegionID            string               `json:"regionId"`
	RegionName          string               `json:"regionName"`
	LocationID          string               `json:"locationId"`
	WorldID             string               `json:"worldId"`
	GameTime            time.Time            `json:"gameTime"`
	RuleCandidates      staging.CandidateSet `json:"ruleCandidates"`
	NarrativeCandidates staging.CandidateSet `json:"narrativeCandidates"`
	Context             staging.Context      `json:"context"`
	DefaultTTLHours     int                  `json:"defaultTtlHours"`
	Previous            *staging.Staging     `json:"previous,omitempty"`
	WaitingObservers    []string             `json:"waitingObservers"`
	Guidance            []string             `json:"guidance,omitempty"`
	AutoApproveAt       *time.Time           `json:"autoApproveAt,omitempty"`
}

func (ApprovalRequired) Kind() string { return KindApprovalRequired }

// ProposalRegenerated replaces the candidate sets of an open request.
type ProposalRegenerated struct {
	ApprovalRequired
}

func (ProposalRegenerated) Kind() string { return KindRegenerated }

// WaitingUpdated tells approvers that more observers joined an open request.
type WaitingUpdated struct {
	RequestID        string   `json:"requestId"`
	RegionID         string   `json:"regionId"`
	WaitingObservers []string `json:"waitingObservers"`
}

func (WaitingUpdated) Kind() string { return KindWaitingUpdated }

// Resolution outcomes.
const (
	OutcomeApproved     = "approved"
	OutcomeAutoApproved = "auto_approved"
	OutcomeCancelled    = "cancelled"
)

// Resolved tells approvers an open request is closed.
type Resolved struct {
	RequestID string `json:"requestId"`
	RegionID  string `json:"regionId"`
	Outcome   string `json:"outcome"`
	StagingID string `json:"stagingId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (Resolved) Kind() string { return KindResolved }

// Pending acknowledges an observer whose region is waiting for approval.
type Pending struct {
	RegionID  string `json:"regionId"`
	RequestID string `json:"requestId"`
}

func (Pending) Kind() string { return KindPending }

// Ready carries the NPCs an observer should see.
type Ready struct {
	RegionID  string              `json:"regionId"`
	RequestID string              `json:"requestId,omitempty"`
	StagingID string              `json:"stagingId"`
	NPCs      []staging.StagedNPC `json:"npcsPresent"`
	GameTime  time.Time           `json:"gameTime"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

func (Ready) Kind() string { return KindReady }

func readyFor(st *staging.Staging, requestID string) Ready {
	return Ready{
		RegionID:  st.RegionID,
		RequestID: requestID,
		StagingID: st.ID,
		NPCs:      st.PresentNPCs(),
		GameTime:  st.GameTime,
		ExpiresAt: st.ExpiresAt(),
	}
}

// Cancelled tells waiting observers their request was dropped.
type Cancelled struct {
	RegionID  string `json:"regionId"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

func (Cancelled) Kind() string { return KindCancelled }
