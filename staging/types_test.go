package staging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStagingValidAtUsesGameTime(t *testing.T) {
	base := time.Date(1372, 3, 14, 9, 0, 0, 0, time.UTC)
	s := &Staging{GameTime: base, TTLHours: 3, IsActive: true}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at approval", base, true},
		{"one hour later", base.Add(time.Hour), true},
		{"exactly at expiry", base.Add(3 * time.Hour), true},
		{"just past expiry", base.Add(3*time.Hour + time.Second), false},
		{"four hours later", base.Add(4 * time.Hour), false},
	}
	for _, tc := range cases {
		if got := s.ValidAt(tc.at); got != tc.want {
			t.Fatalf("%s: ValidAt=%v, want %v", tc.name, got, tc.want)
		}
	}

	s.IsActive = false
	if s.ValidAt(base) {
		t.Fatalf("inactive staging must never be valid")
	}
	var nilStaging *Staging
	if nilStaging.ValidAt(base) {
		t.Fatalf("nil staging must never be valid")
	}
}

func TestPresentNPCsHidesAbsentAndHidden(t *testing.T) {
	s := &Staging{NPCs: []StagedNPC{
		{CharacterID: "a", IsPresent: true},
		{CharacterID: "b", IsPresent: false},
		{CharacterID: "c", IsPresent: true, IsHiddenFromPlayers: true},
		{CharacterID: "d", IsPresent: true},
	}}
	got := s.PresentNPCs()
	if len(got) != 2 || got[0].CharacterID != "a" || got[1].CharacterID != "d" {
		t.Fatalf("unexpected present list: %+v", got)
	}
}

func TestParseSource(t *testing.T) {
	for in, want := range map[string]Source{
		"rule":          SourceRuleBased,
		"LLM_BASED":     SourceLLMBased,
		"dm_customized": SourceDMCustomized,
		"prestaged":     SourcePreStaged,
		"auto":          SourceAutoApproved,
	} {
		got, err := ParseSource(in)
		if err != nil || got != want {
			t.Fatalf("ParseSource(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSource("vibes"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown source should be a validation error, got %v", err)
	}
}

func TestSourceJSONUsesNames(t *testing.T) {
	data, err := json.Marshal(CandidateSet{Source: SourceLLMBased})
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	var back CandidateSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal err: %v (%s)", err, data)
	}
	if back.Source != SourceLLMBased {
		t.Fatalf("source lost in JSON: %s", data)
	}
}

func TestResolveTTL(t *testing.T) {
	cfg := DefaultConfig()
	if ttl, err := cfg.ResolveTTL(0); err != nil || ttl != cfg.DefaultTTLHours {
		t.Fatalf("zero ttl should resolve to default, got %d, %v", ttl, err)
	}
	if _, err := cfg.ResolveTTL(-1); !errors.Is(err, ErrValidation) {
		t.Fatalf("negative ttl should be invalid, got %v", err)
	}
	if _, err := cfg.ResolveTTL(cfg.MaxTTLHours + 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("ttl above cap should be invalid, got %v", err)
	}
}

func TestPersistenceWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("commit", cause)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("persistence error should match both sentinel and cause: %v", err)
	}
	if Persistence("get", ErrNotFound) != ErrNotFound {
		t.Fatalf("not-found must pass through unwrapped")
	}
}
