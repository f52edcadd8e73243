package snapshot

import (
	"context"
	"errors"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// GopsutilProvider enumerates processes through gopsutil, which reads /proc on
// Linux, sysctl on the BSDs and darwin, and the toolhelp/WMI APIs on Windows.
type GopsutilProvider struct{}

func NewGopsutilProvider() *GopsutilProvider { return &GopsutilProvider{} }

// Enumerate lists live processes whose name matches one of names, case-insensitively.
// Processes that exit or deny access mid-enumeration are skipped or reported with
// blank fields rather than failing the whole poll.
func (GopsutilProvider) Enumerate(ctx context.Context, names []string) ([]Descriptor, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, &ProviderError{Op: "enumerate", Err: err}
	}
	out := make([]Descriptor, 0, len(names))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !watched(name, names) {
			continue
		}
		out = append(out, describe(ctx, p, name))
	}
	return out, nil
}

// Lookup returns the descriptor for pid or nil when the process is gone.
func (GopsutilProvider) Lookup(ctx context.Context, pid int32) (*Descriptor, error) {
	ok, err := gopsproc.PidExistsWithContext(ctx, pid)
	if err != nil {
		return nil, &ProviderError{Op: "lookup", PID: pid, Err: err}
	}
	if !ok {
		return nil, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil, nil
		}
		return nil, &ProviderError{Op: "lookup", PID: pid, Err: err}
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, &ProviderError{Op: "lookup", PID: pid, Err: err}
	}
	d := describe(ctx, p, name)
	return &d, nil
}

func describe(ctx context.Context, p *gopsproc.Process, name string) Descriptor {
	d := Descriptor{PID: p.Pid, Name: name, ParentPID: NoParent}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		d.ParentPID = ppid
	}
	// unreadable command lines (access denied, zombie) classify as empty
	if cmd, err := p.CmdlineWithContext(ctx); err == nil {
		d.CommandLine = cmd
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		d.CreateTime = time.UnixMilli(ms)
	}
	return d
}

func watched(name string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(name, n) {
			return true
		}
	}
	return false
}
