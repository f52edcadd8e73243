package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// NoParent marks a descriptor whose parent PID the provider did not report.
const NoParent int32 = -1

// Parent name sentinels returned by ResolveParentName.
const (
	ParentNotAvailable = "N/A"
	ParentExited       = "Unknown (Exited)"
)

// Descriptor is a point-in-time view of one live process as reported by a Provider.
type Descriptor struct {
	PID         int32     `json:"pid"`
	Name        string    `json:"name"`
	ParentPID   int32     `json:"parent_pid"`
	CommandLine string    `json:"command_line"`
	CreateTime  time.Time `json:"create_time"`
}

// Snapshot maps PID to descriptor for all watched processes alive at one instant.
// Iteration order carries no meaning.
type Snapshot map[int32]Descriptor

// Provider enumerates host processes. Implementations are host-OS specific.
type Provider interface {
	// Enumerate returns every live process whose name is in names.
	Enumerate(ctx context.Context, names []string) ([]Descriptor, error)
	// Lookup returns the descriptor for pid, or nil when no such process exists.
	Lookup(ctx context.Context, pid int32) (*Descriptor, error)
}

// ProviderError reports a failed enumeration or lookup. It is always recoverable.
type ProviderError struct {
	Op  string // "enumerate" or "lookup"
	PID int32  // set for lookups
	Err error
}

func (e *ProviderError) Error() string {
	if e.Op == "lookup" {
		return fmt.Sprintf("provider %s pid %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is, or wraps, a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Source wraps a Provider and shapes its results into snapshots.
type Source struct {
	provider Provider
	log      *slog.Logger
}

func NewSource(p Provider, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{provider: p, log: log}
}

// Poll returns the current snapshot of watched processes. On provider failure it
// returns an empty snapshot together with a *ProviderError; reporting it is
// left to the caller.
func (s *Source) Poll(ctx context.Context, names []string) (Snapshot, error) {
	procs, err := s.provider.Enumerate(ctx, names)
	if err != nil {
		var pe *ProviderError
		if !errors.As(err, &pe) {
			err = &ProviderError{Op: "enumerate", Err: err}
		}
		return Snapshot{}, err
	}
	snap := make(Snapshot, len(procs))
	for _, d := range procs {
		snap[d.PID] = d
	}
	return snap, nil
}

// ResolveParentName looks up the name of ppid. It never fails: an absent parent
// yields ParentNotAvailable and a vanished or unreadable parent ParentExited.
func (s *Source) ResolveParentName(ctx context.Context, ppid int32) string {
	if ppid == NoParent {
		return ParentNotAvailable
	}
	d, err := s.provider.Lookup(ctx, ppid)
	if err != nil {
		s.log.Debug("parent lookup failed", "ppid", ppid, "error", err)
		return ParentExited
	}
	if d == nil || d.Name == "" {
		return ParentExited
	}
	return d.Name
}
