package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func ptr(b bool) *bool { return &b }

func TestGet_StampedValues(t *testing.T) {
	origName, origDirty := AppName, VCSDirty
	defer func() { AppName, VCSDirty = origName, origDirty }()

	AppName = "orders-api"
	for _, dirty := range []*bool{nil, ptr(true), ptr(false)} {
		VCSDirty = dirty
		info := Get()
		if info.AppName != "orders-api" {
			t.Fatalf("AppName = %q", info.AppName)
		}
		// test binaries carry no vcs settings, so the stamp survives
		if (dirty == nil) != (info.VCSDirty == nil) || (dirty != nil && *dirty != *info.VCSDirty) {
			t.Fatalf("VCSDirty = %v, want %v", info.VCSDirty, dirty)
		}
		if info.GoVersion == "" {
			t.Fatal("GoVersion not filled from build info")
		}
	}
}

func TestMerge(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "9f1c2e7"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	unstamped := Info{Commit: "none"}
	unstamped.merge(bi)
	if unstamped.Commit != "9f1c2e7" || unstamped.BuildDate != "2026-10-01T12:00:00Z" || !unstamped.Dirty() {
		t.Fatalf("unstamped = %+v", unstamped)
	}

	stamped := Info{Commit: "abc1234", BuildDate: "2026-10-02", GoVersion: "go1.0"}
	stamped.merge(bi)
	if stamped.Commit != "abc1234" || stamped.BuildDate != "2026-10-02" {
		t.Fatalf("stamped values overwritten: %+v", stamped)
	}
	if stamped.GoVersion != "go1.24.11" || stamped.CommitDate != "2026-10-01T12:00:00Z" {
		t.Fatalf("binary values not applied: %+v", stamped)
	}
}

func TestMerge_IgnoresUnparseableModified(t *testing.T) {
	i := Info{VCSDirty: ptr(false)}
	i.merge(&debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "maybe"}}})
	if i.VCSDirty == nil || *i.VCSDirty {
		t.Fatalf("VCSDirty = %v", i.VCSDirty)
	}
}

func TestString(t *testing.T) {
	s := Info{AppName: "gracefulshutdown", Version: "1.4.0", Commit: "9f1c2e7", VCSDirty: ptr(true)}.String()
	for _, want := range []string{"gracefulshutdown 1.4.0", "commit=9f1c2e7", "dirty=true"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing %q", s, want)
		}
	}
}
