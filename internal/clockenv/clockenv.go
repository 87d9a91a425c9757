// Package clockenv provides deterministic time, environment lookup, and
// filesystem paths so the rest of the tree never reads os.Getenv or
// time.Now directly.
package clockenv

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Clock returns the current time. The default implementation wraps
// time.Now; tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock is a Clock that always returns the same instant, advanced
// explicitly by tests.
type FixedClock struct {
	t time.Time
}

// NewFixedClock returns a FixedClock starting at t.
func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t} }

// Now returns the current fixed instant.
func (c *FixedClock) Now() time.Time { return c.t }

// Advance moves the fixed clock forward by d.
func (c *FixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Env reads environment variables with consistent defaulting and parsing
// rules across the repo.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv returns an Env backed by the real process environment.
func NewEnv() *Env { return &Env{lookup: os.LookupEnv} }

// NewEnvFrom returns an Env backed by a supplied map, for tests.
func NewEnvFrom(vars map[string]string) *Env {
	return &Env{lookup: func(k string) (string, bool) { v, ok := vars[k]; return v, ok }}
}

// String returns the named variable or def if unset.
func (e *Env) String(name, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return def
}

// Bool parses the named variable as a boolean ("true"/"1" etc.), or def if unset/unparseable.
func (e *Env) Bool(name string, def bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// PathList splits a colon-separated list of paths, dropping empties.
func (e *Env) PathList(name string) []string {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CSVSet splits a comma-separated list into a set, dropping empties.
func (e *Env) CSVSet(name string) map[string]struct{} {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// Paths resolves the ~/.voicemode/ filesystem layout, honoring VOICEMODE_HOME.
type Paths struct {
	Home string
}

// NewPaths resolves Paths from env and the OS home directory.
func NewPaths(env *Env) (*Paths, error) {
	if h := env.String("VOICEMODE_HOME", ""); h != "" {
		return &Paths{Home: h}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{Home: filepath.Join(home, ".voicemode")}, nil
}

// LogsDir is ~/.voicemode/logs.
func (p *Paths) LogsDir() string { return filepath.Join(p.Home, "logs") }

// ServicesDir is ~/.voicemode/services.
func (p *Paths) ServicesDir() string { return filepath.Join(p.Home, "services") }

// ServiceDir is ~/.voicemode/services/<name>.
func (p *Paths) ServiceDir(name string) string { return filepath.Join(p.ServicesDir(), name) }

// WhisperModelsDir is ~/.voicemode/services/whisper/models.
func (p *Paths) WhisperModelsDir() string { return filepath.Join(p.ServiceDir("whisper"), "models") }

// ConfigDir is ~/.voicemode/config.
func (p *Paths) ConfigDir() string { return filepath.Join(p.Home, "config") }

// PronunciationConfig is ~/.voicemode/config/pronunciation.yaml.
func (p *Paths) PronunciationConfig() string { return filepath.Join(p.ConfigDir(), "pronunciation.yaml") }

// AudioDir is ~/.voicemode/audio.
func (p *Paths) AudioDir() string { return filepath.Join(p.Home, "audio") }

// EventLogFile is ~/.voicemode/logs/events-YYYYMMDD.jsonl for the given day.
func (p *Paths) EventLogFile(day time.Time) string {
	return filepath.Join(p.LogsDir(), "events-"+day.Format("20060102")+".jsonl")
}
