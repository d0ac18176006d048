package sync

import (
	"time"

	"github.com/samber/lo"
)

// Candidate is one drive's version of a conflicting path. Entry is nil when
// the drive no longer holds the path.
type Candidate struct {
	Drive string     `json:"drive" yaml:"drive"`
	Label string     `json:"label,omitempty" yaml:"label,omitempty"`
	Entry *FileEntry `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// Conflict is a path whose divergent versions need a decision.
type Conflict struct {
	Path       string      `json:"path" yaml:"path"`
	Candidates []Candidate `json:"candidates" yaml:"candidates"`
	// Eligible restricts which drives may win. Empty means any candidate.
	Eligible []string `json:"eligible,omitempty" yaml:"eligible,omitempty"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (c Conflict) eligible(drive string) bool {
	return len(c.Eligible) == 0 || lo.Contains(c.Eligible, drive)
}

// Preserved is a losing version kept under a conflict-qualified name.
type Preserved struct {
	Drive string
	Entry FileEntry
	Name  string
}

// Resolution is the outcome of resolving one conflict. When Resolved is set,
// either Winner names the drive whose version owns the path, or Deleted
// says the path's winning state is absence.
type Resolution struct {
	Resolved bool
	Winner   string
	Deleted  bool
	Preserve []Preserved
	Reason   string
}

// Resolve decides a conflict under strategy. It has no side effects; at is
// only used for keep-both conflict names.
func Resolve(strategy Strategy, c Conflict, at time.Time) Resolution {
	switch strategy {
	case StrategyNewestWins:
		return resolveNewest(c)
	case StrategyKeepBoth:
		return resolveKeepBoth(c, at)
	case StrategyInteractive:
		return Resolution{Reason: "awaiting manual resolution"}
	}
	return Resolution{Reason: "unknown strategy " + string(strategy)}
}

// ResolveForced applies an out-of-band decision naming the winning drive.
func ResolveForced(c Conflict, drive string) Resolution {
	for _, cand := range c.Candidates {
		if cand.Drive != drive {
			continue
		}
		if cand.Entry == nil {
			return Resolution{Resolved: true, Deleted: true}
		}
		return Resolution{Resolved: true, Winner: drive}
	}
	return Resolution{Reason: "forced winner " + drive + " is not a candidate"}
}

func resolveNewest(c Conflict) Resolution {
	present := lo.Filter(c.Candidates, func(cand Candidate, _ int) bool { return cand.Entry != nil })
	if len(present) == 0 {
		return Resolution{Resolved: true, Deleted: true}
	}

	newest := lo.MaxBy(present, func(a, b Candidate) bool { return a.Entry.Mtime > b.Entry.Mtime })
	for _, cand := range present {
		if cand.Entry.Mtime == newest.Entry.Mtime && !cand.Entry.ContentEqual(*newest.Entry) {
			return Resolution{Reason: "equal modification times with different content"}
		}
	}
	if !c.eligible(newest.Drive) {
		return Resolution{Reason: "newest version is on " + newest.Drive + ", which may not propagate"}
	}
	return Resolution{Resolved: true, Winner: newest.Drive}
}

func resolveKeepBoth(c Conflict, at time.Time) Resolution {
	res := Resolution{Resolved: true}

	contenders := lo.Filter(c.Candidates, func(cand Candidate, _ int) bool {
		return cand.Entry != nil && c.eligible(cand.Drive)
	})
	var winner *FileEntry
	if len(contenders) == 0 {
		res.Deleted = true
	} else {
		// MaxBy keeps the first candidate on ties, so equal mtimes fall
		// back to member order.
		w := lo.MaxBy(contenders, func(a, b Candidate) bool { return a.Entry.Mtime > b.Entry.Mtime })
		res.Winner = w.Drive
		winner = w.Entry
	}

	seen := make(map[string]bool)
	if winner != nil {
		seen[winner.FastDigest] = true
	}
	for _, cand := range c.Candidates {
		if cand.Entry == nil || seen[cand.Entry.FastDigest] {
			continue
		}
		seen[cand.Entry.FastDigest] = true
		label := cand.Label
		if label == "" {
			label = cand.Drive
		}
		res.Preserve = append(res.Preserve, Preserved{
			Drive: cand.Drive,
			Entry: *cand.Entry,
			Name:  ConflictName(c.Path, label, at),
		})
	}
	return res
}
