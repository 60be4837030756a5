package shutdown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

const (
	// WaitSecondsKey names the grace period property in every source.
	WaitSecondsKey = "estaGracefulShutdownWaitSeconds"
	// WaitSecondsAlias is also read, after WaitSecondsKey, in each source.
	WaitSecondsAlias   = "gracefulShutdownWaitSeconds"
	DefaultWaitSeconds = 20

	// MaxWaitSeconds bounds the grace period to a 32-bit int.
	MaxWaitSeconds = math.MaxInt32
)

var ErrInvalidWaitSeconds = errors.New("invalid graceful shutdown wait seconds")

// ResolveWaitSeconds picks the grace period: explicit value, then the
// override source, then the property sources, then DefaultWaitSeconds.
// Empty values count as absent. A value that is not a non-negative integer
// is an error; there is no fallback to the default in that case.
// from names where the value came from, for logging.
func ResolveWaitSeconds(ctx context.Context, explicit *int, override, props cfg.Source) (seconds int, from string, err error) {
	if explicit != nil {
		if err := checkRange(int64(*explicit), "explicit"); err != nil {
			return 0, "explicit", err
		}
		return *explicit, "explicit", nil
	}

	for _, src := range []cfg.Source{override, props} {
		if src == nil {
			continue
		}
		key, raw, found, err := lookupWaitSeconds(ctx, src)
		if err != nil {
			return 0, src.Name(), xerrors.Wrapf(err, "resolve %s", key)
		}
		if !found {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, src.Name(), fmt.Errorf("%w: %s=%q from %s is not an integer", ErrInvalidWaitSeconds, key, raw, src.Name())
		}
		if err := checkRange(n, key+" from "+src.Name()); err != nil {
			return 0, src.Name(), err
		}
		return int(n), src.Name(), nil
	}
	return DefaultWaitSeconds, "default", nil
}

// lookupWaitSeconds returns the first non-empty value of WaitSecondsKey or
// WaitSecondsAlias in src, and the key it was found under.
func lookupWaitSeconds(ctx context.Context, src cfg.Source) (key, raw string, found bool, err error) {
	for _, key = range []string{WaitSecondsKey, WaitSecondsAlias} {
		raw, found, err = src.Lookup(ctx, key)
		if err != nil {
			return key, "", false, err
		}
		if raw = strings.TrimSpace(raw); found && raw != "" {
			return key, raw, true, nil
		}
	}
	return WaitSecondsKey, "", false, nil
}

func checkRange(n int64, what string) error {
	switch {
	case n < 0:
		return fmt.Errorf("%w: %s=%d is negative", ErrInvalidWaitSeconds, what, n)
	case n > MaxWaitSeconds:
		return fmt.Errorf("%w: %s=%d exceeds %d", ErrInvalidWaitSeconds, what, n, MaxWaitSeconds)
	}
	return nil
}
