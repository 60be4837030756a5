package shutdown

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
)

type failingSource struct{}

func (failingSource) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("ssm unavailable")
}
func (failingSource) Name() string { return "failing" }

func intp(n int) *int { return &n }

func TestResolveWaitSeconds(t *testing.T) {
	tests := []struct {
		name     string
		explicit *int
		override cfg.Source
		props    cfg.Source
		want     int
		wantFrom string
	}{
		{"default", nil, nil, nil, 20, "default"},
		{"property", nil, nil, cfg.MapSource{WaitSecondsKey: "10"}, 10, "map"},
		{"override beats property and default", nil, cfg.Properties{WaitSecondsKey: "5"}, cfg.MapSource{WaitSecondsKey: "10"}, 5, "override"},
		{"explicit beats everything", intp(3), cfg.Properties{WaitSecondsKey: "5"}, cfg.MapSource{WaitSecondsKey: "10"}, 3, "explicit"},
		{"empty override falls through", nil, cfg.Properties{WaitSecondsKey: ""}, cfg.MapSource{WaitSecondsKey: "10"}, 10, "map"},
		{"blank property falls to default", nil, nil, cfg.MapSource{WaitSecondsKey: "  "}, 20, "default"},
		{"whitespace trimmed", nil, cfg.Properties{WaitSecondsKey: " 7 "}, nil, 7, "override"},
		{"zero is valid", nil, cfg.Properties{WaitSecondsKey: "0"}, nil, 0, "override"},
		{"explicit zero", intp(0), nil, nil, 0, "explicit"},
		{"other keys ignored", nil, cfg.Properties{"unrelated": "1"}, nil, 20, "default"},
		{"chain", nil, nil, cfg.Chain{cfg.MapSource{}, cfg.MapSource{WaitSecondsKey: "12"}}, 12, "chain(map,map)"},
		{"esta key", nil, cfg.Properties{"estaGracefulShutdownWaitSeconds": "30"}, nil, 30, "override"},
		{"alias", nil, cfg.Properties{WaitSecondsAlias: "8"}, nil, 8, "override"},
		{"key wins over alias", nil, cfg.Properties{WaitSecondsKey: "30", WaitSecondsAlias: "8"}, nil, 30, "override"},
		{"empty key falls to alias", nil, cfg.Properties{WaitSecondsKey: "", WaitSecondsAlias: "8"}, nil, 8, "override"},
		{"override alias beats property key", nil, cfg.Properties{WaitSecondsAlias: "8"}, cfg.MapSource{WaitSecondsKey: "10"}, 8, "override"},
		{"largest allowed", nil, nil, cfg.MapSource{WaitSecondsKey: "2147483647"}, MaxWaitSeconds, "map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, from, err := ResolveWaitSeconds(context.Background(), tt.explicit, tt.override, tt.props)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("seconds = %d, want %d", got, tt.want)
			}
			if from != tt.wantFrom {
				t.Fatalf("from = %q, want %q", from, tt.wantFrom)
			}
		})
	}
}

func TestResolveWaitSeconds_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		explicit *int
		override cfg.Source
		props    cfg.Source
	}{
		{"non-integer override", nil, cfg.Properties{WaitSecondsKey: "twenty"}, nil},
		{"non-integer property", nil, nil, cfg.MapSource{WaitSecondsKey: "1.5"}},
		{"negative property", nil, nil, cfg.MapSource{WaitSecondsKey: "-1"}},
		{"negative explicit", intp(-5), nil, nil},
		{"explicit beyond int32", intp(math.MaxInt), nil, nil},
		{"beyond int32", nil, nil, cfg.MapSource{WaitSecondsKey: "2147483648"}},
		{"overflows duration", nil, nil, cfg.MapSource{WaitSecondsKey: "9300000000"}},
		{"beyond int64", nil, cfg.Properties{WaitSecondsKey: "99999999999999999999"}, nil},
		{"bad alias", nil, cfg.Properties{WaitSecondsAlias: "-3"}, nil},
		// a bad override is fatal even when the property is fine
		{"bad override with good property", nil, cfg.Properties{WaitSecondsKey: "x"}, cfg.MapSource{WaitSecondsKey: "10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ResolveWaitSeconds(context.Background(), tt.explicit, tt.override, tt.props)
			if !errors.Is(err, ErrInvalidWaitSeconds) {
				t.Fatalf("err = %v, want ErrInvalidWaitSeconds", err)
			}
		})
	}
}

func TestResolveWaitSeconds_SourceError(t *testing.T) {
	_, from, err := ResolveWaitSeconds(context.Background(), nil, nil, failingSource{})
	if err == nil {
		t.Fatal("expected source error")
	}
	if errors.Is(err, ErrInvalidWaitSeconds) {
		t.Fatal("source failure is not a parse failure")
	}
	if from != "failing" {
		t.Fatalf("from = %q", from)
	}
}

func TestNew_InvalidWaitSecondsIsFatal(t *testing.T) {
	_, err := New(context.Background(), Options{
		Teardown:   func(context.Context) error { return nil },
		Properties: cfg.MapSource{WaitSecondsKey: "soon"},
	})
	if !errors.Is(err, ErrInvalidWaitSeconds) {
		t.Fatalf("err = %v, want ErrInvalidWaitSeconds", err)
	}
}

func TestNew_HugeWaitSecondsIsFatal(t *testing.T) {
	c, err := New(context.Background(), Options{
		Teardown:   func(context.Context) error { return nil },
		Properties: cfg.MapSource{WaitSecondsKey: "9300000000"},
	})
	if !errors.Is(err, ErrInvalidWaitSeconds) || c != nil {
		t.Fatalf("New = %v, %v; want ErrInvalidWaitSeconds", c, err)
	}
}

func TestNew_OverrideScenario(t *testing.T) {
	c, err := New(context.Background(), Options{
		Teardown:   func(context.Context) error { return nil },
		Override:   cfg.Properties{WaitSecondsKey: "5"},
		Properties: cfg.MapSource{WaitSecondsKey: "10"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.WaitSeconds() != 5 {
		t.Fatalf("WaitSeconds = %d, want 5", c.WaitSeconds())
	}
}
