package version

import (
	"runtime"
	"runtime/debug"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
	if want := runtime.GOOS + "/" + runtime.GOARCH; info.Platform != want {
		t.Errorf("Platform = %q, want %q", info.Platform, want)
	}
}

func TestFillFromSettings(t *testing.T) {
	info := Info{Commit: "unknown", Date: "unknown"}
	fillFromSettings(&info, []debug.BuildSetting{
		{Key: "vcs.revision", Value: "9f2c1ab"},
		{Key: "vcs.time", Value: "2025-03-02T08:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "CGO_ENABLED", Value: "0"}, // unrelated settings are ignored
	})

	if info.Commit != "9f2c1ab" {
		t.Errorf("Commit = %q, want %q", info.Commit, "9f2c1ab")
	}
	if info.Date != "2025-03-02T08:00:00Z" {
		t.Errorf("Date = %q, want %q", info.Date, "2025-03-02T08:00:00Z")
	}
	if !info.Dirty {
		t.Error("Dirty = false, want true")
	}
}

func TestFillFromSettingsWithoutVCS(t *testing.T) {
	info := Info{Commit: "unknown", Date: "unknown"}
	fillFromSettings(&info, nil)

	if info.Commit != "unknown" || info.Date != "unknown" || info.Dirty {
		t.Errorf("fillFromSettings(nil) changed info: %+v", info)
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			"clean build",
			Info{Version: "1.4.0", Commit: "9f2c1ab", Date: "2025-03-02T08:00:00Z"},
			"1.4.0 (9f2c1ab) built 2025-03-02T08:00:00Z",
		},
		{
			"dirty build",
			Info{Version: "1.4.0", Commit: "9f2c1ab", Date: "2025-03-02T08:00:00Z", Dirty: true},
			"1.4.0 (9f2c1ab-dirty) built 2025-03-02T08:00:00Z",
		},
		{
			"dev defaults",
			Info{Version: "0.0.0-dev", Commit: "unknown", Date: "unknown"},
			"0.0.0-dev (unknown) built unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfoShort(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"clean", Info{Version: "2.0.1"}, "2.0.1"},
		{"dirty", Info{Version: "2.0.1", Dirty: true}, "2.0.1-dirty"},
		{"dev dirty", Info{Version: "0.0.0-dev", Dirty: true}, "0.0.0-dev-dirty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Short(); got != tt.want {
				t.Errorf("Short() = %q, want %q", got, tt.want)
			}
		})
	}
}
