package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/ipsix/fleetaudit/internal/fingerprint"
)

// InspectionReport aggregates per-system product findings.
type InspectionReport struct {
	ID          string                    `json:"id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Digest      string                    `json:"digest"`
	Systems     []fingerprint.Fingerprint `json:"systems"`
}

// Build assigns an ID and computes the content digest. Two reports with the
// same systems share a digest regardless of when they were built.
func Build(systems []fingerprint.Fingerprint, now time.Time) (*InspectionReport, error) {
	if systems == nil {
		systems = []fingerprint.Fingerprint{}
	}
	digest, err := Digest(systems)
	if err != nil {
		return nil, err
	}
	return &InspectionReport{
		ID:          uuid.NewString(),
		GeneratedAt: now.UTC(),
		Digest:      digest,
		Systems:     systems,
	}, nil
}

// Digest is the sha256 of the RFC 8785 canonical JSON of systems.
func Digest(systems []fingerprint.Fingerprint) (string, error) {
	raw, err := json.Marshal(systems)
	if err != nil {
		return "", fmt.Errorf("encode systems: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize systems: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Summary counts findings per product and presence.
func (r *InspectionReport) Summary() map[string]map[fingerprint.Presence]int {
	out := map[string]map[fingerprint.Presence]int{}
	for _, system := range r.Systems {
		for _, product := range system.Products {
			counts, ok := out[product.Name]
			if !ok {
				counts = map[fingerprint.Presence]int{}
				out[product.Name] = counts
			}
			counts[product.Presence]++
		}
	}
	return out
}
