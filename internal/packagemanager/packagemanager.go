// Package packagemanager provides a narrow PackageManager capability: a
// pluggable interface the Supervisor's install/uninstall operations
// consume to fetch OS-level binaries (ffmpeg, whisper.cpp, kokoro) without
// this repo hard-coding one platform's package manager.
//
// Grounded on original_source/voice_mode/utils/dependencies/package_managers.py's
// PackageManager ABC and its Brew/Apt/Dnf subclasses, translated from
// subprocess.run + returncode checks into exec.Command + process state.
package packagemanager

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// PackageManager checks for and installs OS packages.
type PackageManager interface {
	// Available reports whether this manager's binary exists on PATH.
	Available() bool
	// Check reports whether pkg is already installed.
	Check(ctx context.Context, pkg string) (bool, error)
	// Install installs the named packages, returning combined output on
	// failure.
	Install(ctx context.Context, pkgs []string) error
}

const installTimeout = 10 * time.Minute

// Detect returns the first available manager for the current platform,
// trying brew, dnf, then apt-get, mirroring get_package_manager's order.
func Detect() (PackageManager, error) {
	candidates := []PackageManager{&Brew{}, &Dnf{}, &Apt{}}
	for _, c := range candidates {
		if c.Available() {
			return c, nil
		}
	}
	return nil, fmt.Errorf("packagemanager: no supported package manager found (tried brew, dnf, apt-get)")
}

func binaryAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func runWithTimeout(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Brew wraps Homebrew (macOS).
type Brew struct{}

func (Brew) Available() bool { return binaryAvailable("brew") }

func (Brew) Check(ctx context.Context, pkg string) (bool, error) {
	_, err := runWithTimeout(ctx, "brew", "list", pkg)
	return err == nil, nil
}

func (Brew) Install(ctx context.Context, pkgs []string) error {
	out, err := runWithTimeout(ctx, "brew", append([]string{"install"}, pkgs...)...)
	if err != nil {
		return fmt.Errorf("packagemanager: brew install %s: %w: %s", strings.Join(pkgs, " "), err, out)
	}
	return nil
}

// Apt wraps apt-get (Debian/Ubuntu).
type Apt struct{}

func (Apt) Available() bool { return binaryAvailable("apt-get") }

func (Apt) Check(ctx context.Context, pkg string) (bool, error) {
	out, err := runWithTimeout(ctx, "dpkg", "-l", pkg)
	if err != nil {
		return false, nil
	}
	return strings.Contains(out, "ii"), nil
}

func (Apt) Install(ctx context.Context, pkgs []string) error {
	out, err := runWithTimeout(ctx, "sudo", append([]string{"apt-get", "install", "-y"}, pkgs...)...)
	if err != nil {
		return fmt.Errorf("packagemanager: apt-get install %s: %w: %s", strings.Join(pkgs, " "), err, out)
	}
	return nil
}

// Dnf wraps dnf (Fedora/RHEL).
type Dnf struct{}

func (Dnf) Available() bool { return binaryAvailable("dnf") }

func (Dnf) Check(ctx context.Context, pkg string) (bool, error) {
	_, err := runWithTimeout(ctx, "rpm", "-q", pkg)
	return err == nil, nil
}

func (Dnf) Install(ctx context.Context, pkgs []string) error {
	out, err := runWithTimeout(ctx, "sudo", append([]string{"dnf", "install", "-y"}, pkgs...)...)
	if err != nil {
		return fmt.Errorf("packagemanager: dnf install %s: %w: %s", strings.Join(pkgs, " "), err, out)
	}
	return nil
}

// Stub is a no-op PackageManager for tests and for platforms where no
// supported manager is detected.
type Stub struct {
	Installed map[string]bool
}

func NewStub() *Stub { return &Stub{Installed: make(map[string]bool)} }

func (Stub) Available() bool { return true }

func (s *Stub) Check(ctx context.Context, pkg string) (bool, error) {
	return s.Installed[pkg], nil
}

func (s *Stub) Install(ctx context.Context, pkgs []string) error {
	for _, p := range pkgs {
		s.Installed[p] = true
	}
	return nil
}
