package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
)

func newTestRegistry(clock clockenv.Clock) *Registry {
	return New(clock, time.Minute, zerolog.Nop(), nil)
}

func TestPick_OrdersByPriorityThenHealthThenID(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)

	r.Register(&voicetypes.ProviderEndpoint{ID: "b", Kind: voicetypes.KindTTS, Priority: 1})
	r.Register(&voicetypes.ProviderEndpoint{ID: "a", Kind: voicetypes.KindTTS, Priority: 1})
	r.Register(&voicetypes.ProviderEndpoint{ID: "z", Kind: voicetypes.KindTTS, Priority: 0})

	got := r.Pick(voicetypes.KindTTS, Filter{})
	want := []string{"z", "a", "b"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %q, want %q (got order %v)", i, got[i].ID, id, idsOf(got))
		}
	}
}

func idsOf(eps []voicetypes.ProviderEndpoint) []string {
	out := make([]string, len(eps))
	for i, e := range eps {
		out[i] = e.ID
	}
	return out
}

func TestReportFailure_DegradesThenGoesDown(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)
	r.Register(&voicetypes.ProviderEndpoint{ID: "a", Kind: voicetypes.KindTTS})

	r.ReportFailure(voicetypes.KindTTS, "a")
	if got := r.List(voicetypes.KindTTS)[0].Health.State; got != voicetypes.HealthDegraded {
		t.Fatalf("after 1 failure: state = %v, want degraded", got)
	}

	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportFailure(voicetypes.KindTTS, "a")
	if got := r.List(voicetypes.KindTTS)[0].Health.State; got != voicetypes.HealthDown {
		t.Fatalf("after 3 failures: state = %v, want down", got)
	}
}

func TestReportSuccess_ImmediatelyRestoresHealthy(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)
	r.Register(&voicetypes.ProviderEndpoint{ID: "a", Kind: voicetypes.KindTTS})

	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportSuccess(voicetypes.KindTTS, "a")

	ep := r.List(voicetypes.KindTTS)[0]
	if ep.Health.State != voicetypes.HealthHealthy || ep.Health.ConsecutiveFailures != 0 {
		t.Fatalf("after success: %+v, want healthy with 0 failures", ep.Health)
	}
}

func TestPick_DownEndpointExcludedUntilCooldown(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := New(clock, time.Minute, zerolog.Nop(), nil)
	r.Register(&voicetypes.ProviderEndpoint{ID: "a", Kind: voicetypes.KindTTS})
	r.Register(&voicetypes.ProviderEndpoint{ID: "b", Kind: voicetypes.KindTTS})

	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportFailure(voicetypes.KindTTS, "a")
	r.ReportFailure(voicetypes.KindTTS, "a")

	got := r.Pick(voicetypes.KindTTS, Filter{})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only endpoint b while a is in cooldown, got %v", idsOf(got))
	}

	clock.Advance(2 * time.Minute)
	got = r.Pick(voicetypes.KindTTS, Filter{})
	if len(got) != 2 {
		t.Fatalf("expected both endpoints after cooldown elapses, got %v", idsOf(got))
	}
}

func TestPick_FiltersByVoiceCapability(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)
	r.Register(&voicetypes.ProviderEndpoint{
		ID: "a", Kind: voicetypes.KindTTS,
		Capabilities: voicetypes.Capabilities{Voices: map[string]struct{}{"nova": {}}},
	})
	r.Register(&voicetypes.ProviderEndpoint{
		ID: "b", Kind: voicetypes.KindTTS,
		Capabilities: voicetypes.Capabilities{Voices: map[string]struct{}{"onyx": {}}},
	})

	got := r.Pick(voicetypes.KindTTS, Filter{Voice: "nova"})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only endpoint a for voice nova, got %v", idsOf(got))
	}
}

func TestPick_EmptyResultWhenNoCapabilityMatches(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)
	r.Register(&voicetypes.ProviderEndpoint{
		ID: "a", Kind: voicetypes.KindTTS,
		Capabilities: voicetypes.Capabilities{Voices: map[string]struct{}{"nova": {}}},
	})

	got := r.Pick(voicetypes.KindTTS, Filter{Voice: "missing"})
	if len(got) != 0 {
		t.Fatalf("expected no_matching_provider (empty list), got %v", idsOf(got))
	}
}

func TestRefresh_UsesProbeOutcome(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	calls := 0
	r := New(clock, time.Minute, zerolog.Nop(), func(ctx context.Context, ep *voicetypes.ProviderEndpoint) error {
		calls++
		if ep.ID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	r.Register(&voicetypes.ProviderEndpoint{ID: "good", Kind: voicetypes.KindTTS})
	r.Register(&voicetypes.ProviderEndpoint{ID: "bad", Kind: voicetypes.KindTTS})

	r.Refresh(context.Background(), voicetypes.KindTTS, "")
	if calls != 2 {
		t.Fatalf("expected 2 probe calls, got %d", calls)
	}

	for _, ep := range r.List(voicetypes.KindTTS) {
		switch ep.ID {
		case "good":
			if ep.Health.State != voicetypes.HealthHealthy {
				t.Errorf("good endpoint state = %v, want healthy", ep.Health.State)
			}
		case "bad":
			if ep.Health.State != voicetypes.HealthDegraded {
				t.Errorf("bad endpoint state = %v, want degraded", ep.Health.State)
			}
		}
	}
}

func TestUnregister_RemovesEndpoint(t *testing.T) {
	clock := clockenv.NewFixedClock(time.Now())
	r := newTestRegistry(clock)
	r.Register(&voicetypes.ProviderEndpoint{ID: "a", Kind: voicetypes.KindSTT})

	if !r.Unregister(voicetypes.KindSTT, "a") {
		t.Fatal("expected Unregister to report success")
	}
	if len(r.List(voicetypes.KindSTT)) != 0 {
		t.Fatal("expected empty list after unregister")
	}
}
