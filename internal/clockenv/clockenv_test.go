package clockenv

import (
	"testing"
	"time"
)

func TestEnv_BoolDefaultsWhenUnsetOrUnparseable(t *testing.T) {
	env := NewEnvFrom(map[string]string{"VOICEMODE_DEBUG": "not-a-bool"})
	if env.Bool("VOICEMODE_DEBUG", true) != true {
		t.Fatal("expected default on unparseable value")
	}
	if env.Bool("VOICEMODE_MISSING", false) != false {
		t.Fatal("expected default on unset value")
	}
}

func TestEnv_CSVSetSplitsAndTrims(t *testing.T) {
	env := NewEnvFrom(map[string]string{"VOICEMODE_TOOLS_ENABLED": "converse, cancel,  service.status"})
	set := env.CSVSet("VOICEMODE_TOOLS_ENABLED")
	for _, want := range []string{"converse", "cancel", "service.status"} {
		if _, ok := set[want]; !ok {
			t.Fatalf("expected %q in set, got %v", want, set)
		}
	}
	if len(set) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(set))
	}
}

func TestEnv_CSVSetNilWhenUnset(t *testing.T) {
	env := NewEnvFrom(nil)
	if set := env.CSVSet("VOICEMODE_TOOLS_DISABLED"); set != nil {
		t.Fatalf("expected nil set, got %v", set)
	}
}

func TestEnv_PathListSplitsOnColon(t *testing.T) {
	env := NewEnvFrom(map[string]string{"VOICEMODE_PRONUNCIATION_CONFIG": "/a/one.yaml:/a/two.yaml"})
	got := env.PathList("VOICEMODE_PRONUNCIATION_CONFIG")
	if len(got) != 2 || got[0] != "/a/one.yaml" || got[1] != "/a/two.yaml" {
		t.Fatalf("unexpected path list: %v", got)
	}
}

func TestFixedClock_Advance(t *testing.T) {
	c := NewFixedClock(time.Unix(0, 0))
	start := c.Now()
	c.Advance(5 * time.Second)
	if !c.Now().After(start) {
		t.Fatal("expected Advance to move the clock forward")
	}
}
