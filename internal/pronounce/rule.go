// Package pronounce applies ordered regex substitutions to text before TTS
// synthesis and after STT transcription.
package pronounce

import (
	"regexp"

	"github.com/normanking/voicemoded/internal/voicetypes"
	"github.com/rs/zerolog"
)

// compiledRule pairs a PronounceRule with its compiled regex. A rule whose
// pattern fails to compile is disabled and never removed from the list, so
// it still shows up in list operations.
type compiledRule struct {
	voicetypes.PronounceRule
	re *regexp.Regexp
}

func compile(rule voicetypes.PronounceRule, logger zerolog.Logger) compiledRule {
	cr := compiledRule{PronounceRule: rule}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		logger.Warn().Str("rule", rule.Name).Err(err).Msg("pronunciation rule has invalid pattern, disabling")
		cr.Enabled = false
		return cr
	}
	cr.re = re
	return cr
}

// apply runs the rule against text, returning the result and whether it changed anything.
func (c compiledRule) apply(text string) (string, bool) {
	if !c.Enabled || c.re == nil {
		return text, false
	}
	out := c.re.ReplaceAllString(text, c.Replacement)
	return out, out != text
}
