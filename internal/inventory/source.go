package inventory

type SourceType string

const (
	SourceNetwork   SourceType = "network"
	SourceVCenter   SourceType = "vcenter"
	SourceSatellite SourceType = "satellite"
)

// Satellite major versions a source may declare.
const (
	SatelliteVersion5  = "5"
	SatelliteVersion62 = "6.2"
	SatelliteVersion63 = "6.3"
)

type Credential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

type SourceOptions struct {
	SatelliteVersion string `json:"satellite_version,omitempty"`
	SSLCertVerify    *bool  `json:"ssl_cert_verify,omitempty"`
}

type Source struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       SourceType     `json:"source_type"`
	Hosts      []string       `json:"hosts"`
	Port       int            `json:"port,omitempty"`
	Credential Credential     `json:"credential"`
	Options    *SourceOptions `json:"options,omitempty"`
}

// SatelliteVersion returns the declared version or "" when none is set.
func (s Source) SatelliteVersion() string {
	if s.Options == nil {
		return ""
	}
	return s.Options.SatelliteVersion
}

// VerifyTLS defaults to true when the source does not say otherwise.
func (s Source) VerifyTLS() bool {
	if s.Options == nil || s.Options.SSLCertVerify == nil {
		return true
	}
	return *s.Options.SSLCertVerify
}

func (s Source) Host() string {
	if len(s.Hosts) == 0 {
		return ""
	}
	return s.Hosts[0]
}
