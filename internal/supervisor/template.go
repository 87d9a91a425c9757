package supervisor

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const userMarker = "# USER:"

// Template is a versioned, platform-specific autostart entry. Body is a
// text/template source whose first line is "# version: N"; lines in a
// rendered (or previously written) file tagged with the userMarker comment
// are never overwritten by a later Enable.
type Template struct {
	Name    string
	Version int
	Body    string
}

// Render executes the template body against data.
func (t Template) Render(data map[string]string) (string, error) {
	tmpl, err := template.New(t.Name).Parse(t.Body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Reconcile merges freshly rendered content with an existing on-disk file,
// preserving any line the user tagged with "# USER:" at the same KEY=
// position. Returns the merged content and whether it differs from
// existing.
func Reconcile(rendered, existing string) (string, bool) {
	if existing == "" {
		return rendered, true
	}

	userLines := make(map[string]string)
	for _, line := range strings.Split(existing, "\n") {
		if !strings.Contains(line, userMarker) {
			continue
		}
		if key, ok := lineKey(line); ok {
			userLines[key] = line
		}
	}

	if len(userLines) == 0 {
		return rendered, rendered != existing
	}

	lines := strings.Split(rendered, "\n")
	for i, line := range lines {
		if key, ok := lineKey(line); ok {
			if edited, found := userLines[key]; found {
				lines[i] = edited
			}
		}
	}
	merged := strings.Join(lines, "\n")
	return merged, merged != existing
}

func lineKey(line string) (string, bool) {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", false
	}
	return strings.TrimSpace(line[:idx]), true
}

// DefaultTemplates returns the built-in autostart templates for the four
// managed services, rendered with {{.Binary}} and {{.Port}} fields.
func DefaultTemplates() map[Name]Template {
	return map[Name]Template{
		Whisper:  {Name: "whisper", Version: 1, Body: "# version: 1\nBINARY={{.Binary}}\nPORT={{.Port}}\n"},
		Kokoro:   {Name: "kokoro", Version: 1, Body: "# version: 1\nBINARY={{.Binary}}\nPORT={{.Port}}\n"},
		LiveKit:  {Name: "livekit", Version: 1, Body: "# version: 1\nBINARY={{.Binary}}\n"},
		Frontend: {Name: "frontend", Version: 1, Body: "# version: 1\nBINARY={{.Binary}}\nPORT={{.Port}}\n"},
	}
}

// TemplateWatcher notifies onChange whenever a service's on-disk autostart
// template is edited outside the supervisor (e.g. by a user hand-editing a
// systemd unit or launchd plist), so the next Enable can reconcile against
// the latest user edits rather than a stale in-memory copy.
type TemplateWatcher struct {
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewTemplateWatcher starts watching dir for template file writes.
func NewTemplateWatcher(dir string, logger zerolog.Logger) (*TemplateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &TemplateWatcher{watcher: w, logger: logger.With().Str("component", "template-watcher").Logger()}, nil
}

// Run dispatches filesystem write/create events to onChange until ctx is
// cancelled.
func (t *TemplateWatcher) Run(ctx context.Context, onChange func(path string)) {
	for {
		select {
		case <-ctx.Done():
			t.watcher.Close()
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onChange(ev.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn().Err(err).Msg("template watch error")
		}
	}
}
