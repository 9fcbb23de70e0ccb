package narrative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"stagehand/staging"
)

// ErrTimeout is returned when the model does not answer within the proposer's timeout.
var ErrTimeout = fmt.Errorf("narrative generation timed out: %w", staging.ErrExternalCapability)

// Request is one text generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
}

// Client is the narrative generation capability: text prompt in, text out.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Input is what one narrative proposal needs.
type Input struct {
	Scene    Scene
	Context  staging.Context
	Guidance []string
}

// Proposer asks a narrative model which NPCs should be present.
type Proposer struct {
	client      Client
	timeout     time.Duration
	temperature float32
}

func NewProposer(client Client, timeout time.Duration, temperature float32) *Proposer {
	return &Proposer{client: client, timeout: timeout, temperature: temperature}
}

func (p *Proposer) Name() string { return "narrative" }

// Propose makes exactly one model call bounded by the proposer timeout.
// Failures are returned, not retried; callers decide how to degrade.
func (p *Proposer) Propose(ctx context.Context, in Input) (staging.CandidateSet, error) {
	out := staging.CandidateSet{Source: staging.SourceLLMBased}
	if len(in.Scene.Cast) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := Request{
		System:      SystemPrompt,
		Prompt:      BuildPrompt(in.Context, in.Scene.Cast, in.Guidance),
		Temperature: p.temperature,
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		text, err := p.client.Generate(ctx, req)
		done <- result{text: text, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		log.Printf("[Narrative] region=%s generation abandoned after %s: %v", in.Scene.Region.ID, time.Since(started).Round(time.Millisecond), ctx.Err())
		return out, abandoned(ctx)
	}
	if res.err != nil {
		if ctx.Err() != nil {
			return out, abandoned(ctx)
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return out, ErrTimeout
		}
		return out, fmt.Errorf("narrative generation failed: %w: %w", staging.ErrExternalCapability, res.err)
	}

	npcs, err := ParseReply(res.text, in.Scene.Cast)
	if err != nil {
		return out, err
	}
	out.NPCs = npcs
	log.Printf("[Narrative] region=%s suggestions=%d in %s", in.Scene.Region.ID, len(npcs), time.Since(started).Round(time.Millisecond))
	return out, nil
}

// abandoned tells a caller cancellation apart from the proposer timeout.
func abandoned(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("narrative generation cancelled: %w: %w", staging.ErrExternalCapability, ctx.Err())
	}
	return ErrTimeout
}
