// Package discovery resolves a serial suffix to advertising devices.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/gspctl/internal/protocol"
	"github.com/danmuck/gspctl/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultSettle  = 500 * time.Millisecond
)

var ErrEmptySuffix = errors.New("discovery: empty serial suffix")

type Options struct {
	// Timeout bounds the whole scan.
	Timeout time.Duration
	// Settle keeps scanning this long after the first match to pick up
	// better candidates.
	Settle time.Duration
}

func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, Settle: DefaultSettle}
}

func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	return o
}

// SerialOf returns the last space or underscore separated token of an
// advertised name, e.g. "Movesense 241330000455" -> "241330000455".
func SerialOf(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, " _"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Match filters adverts whose name ends with suffix. If any advert's
// serial equals the suffix exactly, only exact matches are returned.
// Otherwise tail matches are returned shortest name first. Duplicate
// addresses are collapsed to their first sighting.
func Match(suffix string, adverts []transport.Advert) []transport.Advert {
	if suffix == "" {
		return nil
	}
	seen := make(map[string]struct{}, len(adverts))
	var exact, tail []transport.Advert
	for _, adv := range adverts {
		if _, dup := seen[adv.Address]; dup {
			continue
		}
		name := strings.TrimSpace(adv.Name)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		seen[adv.Address] = struct{}{}
		if SerialOf(name) == suffix || name == suffix {
			exact = append(exact, adv)
			continue
		}
		tail = append(tail, adv)
	}
	if len(exact) > 0 {
		return exact
	}
	sort.SliceStable(tail, func(i, j int) bool { return len(tail[i].Name) < len(tail[j].Name) })
	return tail
}

// Discover scans until a device matching suffix shows up, waits the
// settle window, and returns the matches. It does not retry: no match
// before the timeout is protocol.ErrNoDeviceFound.
func Discover(ctx context.Context, scanner transport.Scanner, suffix string, opts Options) ([]transport.Advert, error) {
	if suffix == "" {
		return nil, ErrEmptySuffix
	}
	opts = opts.WithDefaults()

	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	adverts, err := scanner.Scan(scanCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", protocol.ErrConnectionFailure, err)
	}

	var seen []transport.Advert
	var settle <-chan time.Time
	for {
		select {
		case adv, ok := <-adverts:
			if !ok {
				return finish(ctx, suffix, seen)
			}
			seen = append(seen, adv)
			if settle == nil && len(Match(suffix, []transport.Advert{adv})) > 0 {
				log.Debug().Str("suffix", suffix).Str("name", adv.Name).Str("address", adv.Address).Msg("discovery.Discover match")
				if opts.Settle == 0 {
					return finish(ctx, suffix, seen)
				}
				timer := time.NewTimer(opts.Settle)
				defer timer.Stop()
				settle = timer.C
			}
		case <-settle:
			return finish(ctx, suffix, seen)
		case <-scanCtx.Done():
			return finish(ctx, suffix, seen)
		}
	}
}

func finish(ctx context.Context, suffix string, seen []transport.Advert) ([]transport.Advert, error) {
	matches := Match(suffix, seen)
	if len(matches) > 0 {
		return matches, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no advert ends with %q (%d seen)", protocol.ErrNoDeviceFound, suffix, len(seen))
}
