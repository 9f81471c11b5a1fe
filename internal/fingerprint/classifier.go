package fingerprint

import "strings"

// Classifier turns one system's facts into a finding for one product. It holds
// no mutable state and is safe for concurrent use.
type Classifier struct {
	rule    Rule
	sources SourceLookup
}

func NewClassifier(rule Rule, sources SourceLookup) *Classifier {
	return &Classifier{rule: rule, sources: sources}
}

func (c *Classifier) Product() string {
	return c.rule.Product
}

func (c *Classifier) Classify(source SourceRef, facts Facts) Product {
	product := Product{
		Name:     c.rule.Product,
		Metadata: c.metadata(source),
	}

	presence, keys := reduce(c.rule.Groups, facts)
	product.Presence = presence
	if presence == Absent {
		return product
	}

	rawFactKey := strings.Join(keys, "/")
	product.Metadata.RawFactKey = &rawFactKey
	if presence == Present {
		product.Version = c.rule.Versions.extract(facts)
	}
	return product
}

func (c *Classifier) metadata(source SourceRef) Metadata {
	meta := Metadata{SourceID: source.ID, SourceType: source.Type}
	if c.sources == nil {
		return meta
	}
	if src, ok := c.sources.Lookup(source.ID); ok {
		name := src.Name
		meta.SourceName = &name
	}
	return meta
}
