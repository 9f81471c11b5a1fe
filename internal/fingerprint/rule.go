package fingerprint

import (
	"sort"
	"strings"
)

// Test reports whether a fact value counts as evidence. Tests receive nil
// for a missing key and must not panic on unexpected shapes.
type Test func(value interface{}) bool

type Signal struct {
	Key  string
	Test Test
}

// EvidenceGroup fires when any of its signals tests positive.
type EvidenceGroup struct {
	Presence Presence
	Signals  []Signal
}

// VersionRule extracts release names from version-signal lists. Raw values
// missing from Releases are kept as "Unknown-Release: <raw>".
type VersionRule struct {
	Keys     []string
	Releases map[string]string
}

// Rule describes one product as evidence groups in priority order.
type Rule struct {
	Product  string
	Groups   []EvidenceGroup
	Versions VersionRule
}

const unknownRelease = "Unknown-Release: "

// reduce evaluates groups in order and stops at the first one with positive
// evidence. It returns Absent and no keys when nothing fires.
func reduce(groups []EvidenceGroup, facts Facts) (Presence, []string) {
	for _, group := range groups {
		var keys []string
		for _, signal := range group.Signals {
			if signal.Test != nil && signal.Test(facts[signal.Key]) {
				keys = append(keys, signal.Key)
			}
		}
		if len(keys) > 0 {
			return group.Presence, keys
		}
	}
	return Absent, nil
}

func (v VersionRule) extract(facts Facts) []string {
	seen := map[string]struct{}{}
	for _, key := range v.Keys {
		for _, raw := range versionStrings(facts[key]) {
			seen[raw] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	raws := make([]string, 0, len(seen))
	for raw := range seen {
		raws = append(raws, raw)
	}
	sort.Strings(raws)

	// Several raw signals may name the same release.
	out := make([]string, 0, len(raws))
	emitted := map[string]struct{}{}
	for _, raw := range raws {
		release, ok := v.Releases[raw]
		if !ok {
			release = unknownRelease + raw
		}
		if _, dup := emitted[release]; dup {
			continue
		}
		emitted[release] = struct{}{}
		out = append(out, release)
	}
	return out
}

// versionStrings accepts a list of strings or of {"version": "..."} records.
func versionStrings(value interface{}) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := value.(type) {
	case []string:
		for _, s := range v {
			add(s)
		}
	case []interface{}:
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				add(entry)
			case map[string]interface{}:
				if s, ok := entry["version"].(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}
