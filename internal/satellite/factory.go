package satellite

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

// Client enumerates hosts through one version of the Satellite API.
type Client interface {
	Status(ctx context.Context) (int, string, error)
	HostCount(ctx context.Context) (int, error)
	// Hosts is a lazy, finite, single-pass sequence. Iteration stops at the
	// first error, which is yielded with a zero HostDescriptor.
	Hosts(ctx context.Context) iter.Seq2[inventory.HostDescriptor, error]
}

// Capability is the (declared product version, advertised API version) pair
// a Client implementation supports.
type Capability struct {
	Version    string
	APIVersion string
}

func (c Capability) String() string {
	return fmt.Sprintf("satellite %s api %s", c.Version, c.APIVersion)
}

type Constructor func(conn Conn) Client

// Factory resolves capabilities to client constructors from a static table.
type Factory struct {
	table map[Capability]Constructor
}

// NewFactory returns a factory holding the built-in capability table.
func NewFactory() *Factory {
	f := NewEmptyFactory()
	_ = f.Register(Capability{Version: inventory.SatelliteVersion62, APIVersion: "1"}, NewSixV1)
	_ = f.Register(Capability{Version: inventory.SatelliteVersion62, APIVersion: "2"}, NewSixV2)
	_ = f.Register(Capability{Version: inventory.SatelliteVersion63, APIVersion: "2"}, NewSixV2)
	return f
}

func NewEmptyFactory() *Factory {
	return &Factory{table: make(map[Capability]Constructor)}
}

// Register is meant for wiring time; the table is read without locking.
func (f *Factory) Register(capability Capability, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("constructor is nil")
	}
	if capability.Version == "" || capability.APIVersion == "" {
		return fmt.Errorf("version and api version are required")
	}
	if _, exists := f.table[capability]; exists {
		return fmt.Errorf("%s already registered", capability)
	}
	f.table[capability] = ctor
	return nil
}

// Resolve returns nil when no implementation matches.
func (f *Factory) Resolve(version, apiVersion string, conn Conn) Client {
	ctor, ok := f.table[Capability{Version: version, APIVersion: apiVersion}]
	if !ok {
		return nil
	}
	return ctor(conn)
}

func (f *Factory) Capabilities() []Capability {
	out := make([]Capability, 0, len(f.table))
	for c := range f.table {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].APIVersion < out[j].APIVersion
	})
	return out
}
