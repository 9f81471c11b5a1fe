package fingerprint

import "github.com/ipsix/fleetaudit/internal/inventory"

type Presence string

const (
	Present   Presence = "present"
	Potential Presence = "potential"
	Absent    Presence = "absent"
)

// Facts is the raw fact mapping gathered for one system. Values are whatever
// the collector produced: scalars, []interface{} or map[string]interface{}.
type Facts map[string]interface{}

// SourceRef identifies the source a system's facts came from.
type SourceRef struct {
	ID   string `json:"source_id"`
	Type string `json:"source_type"`
}

type SourceLookup interface {
	Lookup(id string) (inventory.Source, bool)
}

type Metadata struct {
	SourceID   string  `json:"source_id"`
	SourceName *string `json:"source_name"`
	SourceType string  `json:"source_type"`
	RawFactKey *string `json:"raw_fact_key"`
}

type Product struct {
	Name     string   `json:"name"`
	Presence Presence `json:"presence"`
	Version  []string `json:"version,omitempty"`
	Metadata Metadata `json:"metadata"`
}
