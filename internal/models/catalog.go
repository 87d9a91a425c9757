// Package models implements the Whisper model catalog: the registry of
// downloadable STT models, which are installed under
// ~/.voicemode/services/whisper/models/, and the atomic "active" sentinel
// that the whisper service reads at startup. Grounded on
// original_source/voice_mode/whisper_model_unified.py's WHISPER_MODEL_REGISTRY
// getter/setter shape, reworked from a CLI command into the
// whisper.model.list|active|activate|download Request Surface operations.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/normanking/voicemoded/internal/clockenv"
)

// Info describes one catalog entry, matching the fields
// WHISPER_MODEL_REGISTRY carries per model.
type Info struct {
	Name        string
	SizeMB      int
	Languages   string
	Description string
	URL         string
	SHA256      string
}

// Registry is the fixed, ordered set of known Whisper models.
var Registry = []Info{
	{Name: "tiny", SizeMB: 75, Languages: "multilingual", Description: "Fastest, least accurate", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin"},
	{Name: "base", SizeMB: 142, Languages: "multilingual", Description: "Good balance for most uses", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin"},
	{Name: "small", SizeMB: 466, Languages: "multilingual", Description: "Better accuracy, still fast", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin"},
	{Name: "medium", SizeMB: 1500, Languages: "multilingual", Description: "High accuracy", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin"},
	{Name: "large-v2", SizeMB: 2900, Languages: "multilingual", Description: "Very high accuracy", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v2.bin"},
	{Name: "large-v3", SizeMB: 2900, Languages: "multilingual", Description: "Highest accuracy", URL: "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin"},
}

func lookup(name string) (Info, bool) {
	for _, m := range Registry {
		if m.Name == name {
			return m, true
		}
	}
	return Info{}, false
}

// Status is one List() row: registry metadata plus local install state.
type Status struct {
	Info
	Installed bool
	Active    bool
}

// Catalog manages the on-disk Whisper model directory for one
// ~/.voicemode install.
type Catalog struct {
	paths  *clockenv.Paths
	client *http.Client

	mu sync.Mutex
}

// NewCatalog builds a Catalog rooted at paths.WhisperModelsDir().
func NewCatalog(paths *clockenv.Paths) *Catalog {
	return &Catalog{paths: paths, client: http.DefaultClient}
}

func (c *Catalog) modelPath(name string) string {
	return filepath.Join(c.paths.WhisperModelsDir(), "ggml-"+name+".bin")
}

func (c *Catalog) activePath() string {
	return filepath.Join(c.paths.WhisperModelsDir(), "active")
}

func (c *Catalog) isInstalled(name string) bool {
	_, err := os.Stat(c.modelPath(name))
	return err == nil
}

// List returns every known model with its install/active state, in
// registry order.
func (c *Catalog) List() []Status {
	active, _ := c.Active()
	out := make([]Status, 0, len(Registry))
	for _, info := range Registry {
		out = append(out, Status{
			Info:      info,
			Installed: c.isInstalled(info.Name),
			Active:    info.Name == active,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SizeMB < out[j].SizeMB })
	return out
}

// Active returns the name written to the active sentinel file, or "" if
// none has been set yet.
func (c *Catalog) Active() (string, error) {
	data, err := os.ReadFile(c.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetActive atomically swaps the active sentinel to name. The model must
// already be installed.
func (c *Catalog) SetActive(name string) error {
	if _, ok := lookup(name); !ok {
		return fmt.Errorf("models: unknown model %q", name)
	}
	if !c.isInstalled(name) {
		return fmt.Errorf("models: model %q is not installed", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.paths.WhisperModelsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "active-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(name); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, c.activePath())
}

// Download fetches a model into the models directory, verifying its
// checksum before the file is renamed into place. A partial or
// checksum-mismatched download never becomes visible under its final name.
func (c *Catalog) Download(ctx context.Context, name string) error {
	info, ok := lookup(name)
	if !ok {
		return fmt.Errorf("models: unknown model %q", name)
	}
	if c.isInstalled(name) {
		return nil
	}

	dir := c.paths.WhisperModelsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("models: download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models: download %s: unexpected status %d", name, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, "download-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("models: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if info.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != info.SHA256 {
			return fmt.Errorf("models: checksum mismatch for %s: got %s want %s", name, sum, info.SHA256)
		}
	}

	return os.Rename(tmpPath, c.modelPath(name))
}
