package snapshot

import "slices"

// Diff compares two successive snapshots. appeared holds PIDs present only in
// current, disappeared those present only in previous. Both are sorted ascending.
// A PID present in both is reported in neither, even if its fields changed.
func Diff(previous, current Snapshot) (appeared, disappeared []int32) {
	for pid := range current {
		if _, ok := previous[pid]; !ok {
			appeared = append(appeared, pid)
		}
	}
	for pid := range previous {
		if _, ok := current[pid]; !ok {
			disappeared = append(disappeared, pid)
		}
	}
	slices.Sort(appeared)
	slices.Sort(disappeared)
	return appeared, disappeared
}
