package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/packagemanager"
)

func testPaths(t *testing.T) *clockenv.Paths {
	t.Helper()
	dir := t.TempDir()
	return &clockenv.Paths{Home: dir}
}

func TestStartStopService(t *testing.T) {
	paths := testPaths(t)
	sup := New(paths, clockenv.RealClock{}, zerolog.Nop(), nil)
	sup.Register(Config{Name: Whisper, BinaryPath: "sleep", Args: []string{"5"}, StopGraceS: 1})

	if err := sup.StartService(context.Background(), Whisper); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := sup.StatusOf(Whisper)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected service running after start")
	}

	if err := sup.StopService(Whisper); err != nil {
		t.Fatalf("stop: %v", err)
	}
	status, _ = sup.StatusOf(Whisper)
	if status.Running {
		t.Fatal("expected service stopped")
	}
}

func TestStatusOfUnknownService(t *testing.T) {
	sup := New(testPaths(t), clockenv.RealClock{}, zerolog.Nop(), nil)
	if _, err := sup.StatusOf(Name("bogus")); err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestHealthPollMarksDownAfterThreeFailures(t *testing.T) {
	paths := testPaths(t)
	sup := New(paths, clockenv.RealClock{}, zerolog.Nop(), nil)
	sup.Register(Config{Name: Kokoro, HealthURL: "http://127.0.0.1:1/never"})

	st, err := sup.get(Kokoro)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		st.prober.probe(context.Background())
	}
	if got := st.prober.state(); got != HealthDown {
		t.Fatalf("expected HealthDown, got %v", got)
	}
}

func TestHealthPollRecoversOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newProber(srv.URL, time.Minute)
	p.recordFailure()
	p.recordFailure()
	if got := p.state(); got != HealthDegraded {
		t.Fatalf("expected degraded, got %v", got)
	}
	if !p.probe(context.Background()) {
		t.Fatal("expected probe success")
	}
	if got := p.state(); got != HealthHealthy {
		t.Fatalf("expected healthy after success, got %v", got)
	}
}

func TestEnableWritesTemplateAndPreservesUserEdits(t *testing.T) {
	paths := testPaths(t)
	sup := New(paths, clockenv.RealClock{}, zerolog.Nop(), nil)
	sup.Register(Config{Name: Frontend})

	tmpl := Template{
		Name:    "frontend",
		Version: 1,
		Body:    "# version: 1\nBINARY={{.Binary}}\nPORT={{.Port}}\n",
	}
	if err := sup.Enable(Frontend, tmpl, map[string]string{"Binary": "/bin/frontend", "Port": "8090"}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	path := sup.autostartPath(Frontend)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read autostart file: %v", err)
	}
	content := string(data)
	if !contains(content, "PORT=8090") {
		t.Fatalf("expected rendered port, got %q", content)
	}

	// Simulate a user hand-edit tagged with the USER marker, then bump the
	// template version and re-enable; the user's PORT value must survive.
	userEdited := "# version: 1\nBINARY=/bin/frontend\nPORT=9999 # USER:\n"
	if err := os.WriteFile(path, []byte(userEdited), 0o644); err != nil {
		t.Fatal(err)
	}

	tmplV2 := Template{Name: "frontend", Version: 2, Body: "# version: 2\nBINARY={{.Binary}}\nPORT={{.Port}}\n"}
	if err := sup.Enable(Frontend, tmplV2, map[string]string{"Binary": "/bin/frontend", "Port": "8090"}); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	merged, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(merged), "PORT=9999 # USER:") {
		t.Fatalf("expected user-edited port preserved, got %q", string(merged))
	}
}

func TestDisableRemovesAutostartEntry(t *testing.T) {
	paths := testPaths(t)
	sup := New(paths, clockenv.RealClock{}, zerolog.Nop(), nil)
	sup.Register(Config{Name: LiveKit})

	tmpl := Template{Name: "livekit", Version: 1, Body: "# version: 1\nBINARY={{.Binary}}\n"}
	if err := sup.Enable(LiveKit, tmpl, map[string]string{"Binary": "/bin/livekit"}); err != nil {
		t.Fatal(err)
	}
	if err := sup.Disable(LiveKit); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := os.Stat(sup.autostartPath(LiveKit)); !os.IsNotExist(err) {
		t.Fatal("expected autostart file removed")
	}
}

func TestEnsureDependency_NoopWithoutPackageManager(t *testing.T) {
	sup := New(testPaths(t), clockenv.RealClock{}, zerolog.Nop(), nil)
	if err := sup.EnsureDependency(context.Background(), "ffmpeg"); err != nil {
		t.Fatalf("expected no-op success without a package manager, got %v", err)
	}
}

func TestEnsureDependency_InstallsWhenMissing(t *testing.T) {
	sup := New(testPaths(t), clockenv.RealClock{}, zerolog.Nop(), nil)
	pm := packagemanager.NewStub()
	sup.SetPackageManager(pm)

	if err := sup.EnsureDependency(context.Background(), "ffmpeg"); err != nil {
		t.Fatalf("ensure dependency: %v", err)
	}
	if !pm.Installed["ffmpeg"] {
		t.Fatal("expected ffmpeg to be installed")
	}
}

func TestEnsureDependency_SkipsInstallWhenAlreadyPresent(t *testing.T) {
	sup := New(testPaths(t), clockenv.RealClock{}, zerolog.Nop(), nil)
	pm := packagemanager.NewStub()
	pm.Installed["whisper-cpp"] = true
	sup.SetPackageManager(pm)

	if err := sup.EnsureDependency(context.Background(), "whisper-cpp"); err != nil {
		t.Fatalf("ensure dependency: %v", err)
	}
	if len(pm.Installed) != 1 {
		t.Fatalf("expected no additional installs, got %v", pm.Installed)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
