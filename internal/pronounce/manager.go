package pronounce

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk YAML shape for a pronunciation rules file.
type fileDoc struct {
	Version  int                        `yaml:"version"`
	TTSRules []voicetypes.PronounceRule `yaml:"tts_rules"`
	STTRules []voicetypes.PronounceRule `yaml:"stt_rules"`
}

// Manager owns the ordered TTS and STT rule lists, loaded from layered
// configuration sources with later sources overriding by rule name.
type Manager struct {
	mu            sync.RWMutex
	rules         map[voicetypes.PronounceDirection][]compiledRule
	logger        zerolog.Logger
	userConfig    string // path rules are persisted to by CRUD operations
	logSubstitutions bool
}

// NewManager loads rules from configPaths in order, later paths overriding
// earlier ones by rule name within each direction. userConfig is the path
// CRUD operations persist to.
func NewManager(configPaths []string, userConfig string, logSubstitutions bool, logger zerolog.Logger) *Manager {
	m := &Manager{
		rules:            make(map[voicetypes.PronounceDirection][]compiledRule),
		logger:           logger.With().Str("component", "pronounce").Logger(),
		userConfig:       userConfig,
		logSubstitutions: logSubstitutions,
	}
	m.loadAll(configPaths)
	return m
}

func (m *Manager) loadAll(configPaths []string) {
	byName := map[voicetypes.PronounceDirection]map[string]voicetypes.PronounceRule{
		voicetypes.DirectionTTS: {},
		voicetypes.DirectionSTT: {},
	}
	order := map[voicetypes.PronounceDirection][]string{}

	for _, path := range configPaths {
		doc, err := loadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Error().Str("path", path).Err(err).Msg("failed to load pronunciation rules")
			}
			continue
		}
		merge(voicetypes.DirectionTTS, doc.TTSRules, byName, order)
		merge(voicetypes.DirectionSTT, doc.STTRules, byName, order)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dir := range []voicetypes.PronounceDirection{voicetypes.DirectionTTS, voicetypes.DirectionSTT} {
		var compiled []compiledRule
		for _, name := range order[dir] {
			rule := byName[dir][name]
			rule.Direction = dir
			compiled = append(compiled, compile(rule, m.logger))
		}
		sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Order < compiled[j].Order })
		m.rules[dir] = compiled
	}
}

func merge(dir voicetypes.PronounceDirection, rules []voicetypes.PronounceRule, byName map[voicetypes.PronounceDirection]map[string]voicetypes.PronounceRule, order map[voicetypes.PronounceDirection][]string) {
	for _, r := range rules {
		if _, exists := byName[dir][r.Name]; !exists {
			order[dir] = append(order[dir], r.Name)
		}
		byName[dir][r.Name] = r
	}
}

func loadFile(path string) (*fileDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

// ProcessTTS applies every enabled TTS rule in order.
func (m *Manager) ProcessTTS(text string) string { return m.process(voicetypes.DirectionTTS, text) }

// ProcessSTT applies every enabled STT rule in order.
func (m *Manager) ProcessSTT(text string) string { return m.process(voicetypes.DirectionSTT, text) }

func (m *Manager) process(dir voicetypes.PronounceDirection, text string) string {
	m.mu.RLock()
	rules := m.rules[dir]
	m.mu.RUnlock()

	for _, rule := range rules {
		before := text
		applied := false
		text, applied = rule.apply(text)
		if applied && m.logSubstitutions {
			m.logger.Info().Str("direction", string(dir)).Str("rule", rule.Name).
				Str("before", before).Str("after", text).Msg("pronunciation substitution applied")
		}
	}
	return text
}

// ListRules returns rules for the given direction (or both if dir is empty),
// excluding private rules unless includePrivate is set.
func (m *Manager) ListRules(dir voicetypes.PronounceDirection, includePrivate bool) []voicetypes.PronounceRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dirs := []voicetypes.PronounceDirection{voicetypes.DirectionTTS, voicetypes.DirectionSTT}
	if dir != "" {
		dirs = []voicetypes.PronounceDirection{dir}
	}

	var out []voicetypes.PronounceRule
	for _, d := range dirs {
		for _, r := range m.rules[d] {
			if r.Private && !includePrivate {
				continue
			}
			out = append(out, r.PronounceRule)
		}
	}
	return out
}

// AddRule appends a new rule and persists the user layer. Names must be
// unique within a direction.
func (m *Manager) AddRule(rule voicetypes.PronounceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules[rule.Direction] {
		if r.Name == rule.Name {
			return fmt.Errorf("rule %q already exists", rule.Name)
		}
	}

	m.rules[rule.Direction] = append(m.rules[rule.Direction], compile(rule, m.logger))
	m.sortLocked(rule.Direction)
	return m.saveUserLocked()
}

// RemoveRule deletes a rule by name and persists the user layer.
func (m *Manager) RemoveRule(dir voicetypes.PronounceDirection, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := m.rules[dir]
	for i, r := range rules {
		if r.Name == name {
			if r.Private {
				return fmt.Errorf("rule %q is private and cannot be modified via the request surface", name)
			}
			m.rules[dir] = append(rules[:i:i], rules[i+1:]...)
			return m.saveUserLocked()
		}
	}
	return fmt.Errorf("rule %q not found", name)
}

// SetEnabled enables or disables a non-private rule by name.
func (m *Manager) SetEnabled(dir voicetypes.PronounceDirection, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.rules[dir] {
		if r.Name == name {
			if r.Private {
				return fmt.Errorf("rule %q is private and cannot be modified via the request surface", name)
			}
			m.rules[dir][i].Enabled = enabled
			return m.saveUserLocked()
		}
	}
	return fmt.Errorf("rule %q not found", name)
}

// TestRule runs text through process_tts or process_stt without mutating state.
func (m *Manager) TestRule(dir voicetypes.PronounceDirection, text string) string {
	if dir == voicetypes.DirectionSTT {
		return m.ProcessSTT(text)
	}
	return m.ProcessTTS(text)
}

func (m *Manager) sortLocked(dir voicetypes.PronounceDirection) {
	sort.SliceStable(m.rules[dir], func(i, j int) bool { return m.rules[dir][i].Order < m.rules[dir][j].Order })
}

func (m *Manager) saveUserLocked() error {
	if m.userConfig == "" {
		return nil
	}
	doc := fileDoc{Version: 1}
	for _, r := range m.rules[voicetypes.DirectionTTS] {
		doc.TTSRules = append(doc.TTSRules, r.PronounceRule)
	}
	for _, r := range m.rules[voicetypes.DirectionSTT] {
		doc.STTRules = append(doc.STTRules, r.PronounceRule)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(m.userConfig, data, 0o644)
}
