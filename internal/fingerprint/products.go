package fingerprint

const (
	ProductFuse = "JBoss Fuse"
	ProductEAP  = "JBoss EAP"
	ProductBRMS = "JBoss BRMS"
)

// Fact names shared by several products.
const (
	FactSubmanConsumed = "subman_consumed"
	FactEntitlements   = "entitlements"
)

const (
	FactFuseOnEAP          = "eap_home_bin"
	FactFuseOnKaraf        = "karaf_home_bin_fuse"
	FactFuseSystemctlFiles = "jboss_fuse_systemctl_unit_files"
	FactFuseChkconfig      = "jboss_fuse_chkconfig"
	FactActiveMQVersion    = "jboss_activemq_ver"
	FactCamelVersion       = "jboss_camel_ver"
	FactCXFVersion         = "jboss_cxf_ver"
)

const (
	FactEAPHomeLs         = "eap_home_ls"
	FactEAPRunningPaths   = "jboss_eap_running_paths"
	FactEAPModulesJar     = "jboss_eap_locate_jboss_modules_jar"
	FactEAPJarVersion     = "jboss_eap_jar_ver"
	FactEAPSystemctlFiles = "jboss_eap_systemctl_unit_files"
	FactEAPChkconfig      = "jboss_eap_chkconfig"
	FactBRMSManifest      = "jboss_brms_manifest_mf"
	FactBRMSKieInCentral  = "jboss_brms_kie_in_business_central"
	FactBRMSLocateKieAPI  = "jboss_brms_locate_kie_api"
	FactBRMSKieAPIVersion = "jboss_brms_kie_api_ver"
)

var FuseReleases = map[string]string{
	"redhat-630187": "Fuse-6.3.0",
	"redhat-621084": "Fuse-6.2.1",
	"redhat-620133": "Fuse-6.2.0",
	"redhat-611412": "Fuse-6.1.1",
	"redhat-610379": "Fuse-6.1.0",
	"redhat-60024":  "Fuse-6.0.0",
}

// EAPReleases maps jboss-modules jar versions to the EAP release shipping them.
var EAPReleases = map[string]string{
	"1.1.0.Final-redhat-1": "EAP-6.0",
	"1.2.0.Final-redhat-1": "EAP-6.1",
	"1.2.2.Final-redhat-1": "EAP-6.2",
	"1.3.0.Final-redhat-2": "EAP-6.3",
	"1.3.3.Final-redhat-1": "EAP-6.4",
	"1.3.4.Final-redhat-1": "EAP-6.4",
	"1.3.5.Final-redhat-1": "EAP-6.4",
	"1.3.6.Final-redhat-1": "EAP-6.4",
	"1.3.7.Final-redhat-1": "EAP-6.4",
	"1.3.8.Final-redhat-1": "EAP-6.4",
	"1.4.4.Final-redhat-1": "EAP-7.0",
	"1.5.4.Final-redhat-1": "EAP-7.0",
	"1.6.0.Final-redhat-1": "EAP-7.1",
	"1.8.5.Final-redhat-1": "EAP-7.2",
}

// BRMSReleases maps kie-api versions to BRMS releases.
var BRMSReleases = map[string]string{
	"6.2.0.Final-redhat-4": "BRMS 6.1.0",
	"6.3.0.Final-redhat-5": "BRMS 6.2.0",
	"6.4.0.Final-redhat-3": "BRMS 6.3.0",
	"6.5.0.Final-redhat-2": "BRMS 6.4.0",
	"7.5.0.Final-redhat-4": "BRMS 7.0.0",
}

func entitlementGroups(product string) []EvidenceGroup {
	return []EvidenceGroup{
		{Presence: Potential, Signals: []Signal{{Key: FactSubmanConsumed, Test: EntitlementFound(product)}}},
		{Presence: Potential, Signals: []Signal{{Key: FactEntitlements, Test: EntitlementFound(product)}}},
	}
}

func FuseRule() Rule {
	groups := []EvidenceGroup{
		{Presence: Present, Signals: []Signal{
			{Key: FactFuseOnEAP, Test: AnyValueTrue},
			{Key: FactFuseOnKaraf, Test: AnyValueTrue},
			{Key: FactActiveMQVersion, Test: NonEmpty},
			{Key: FactCamelVersion, Test: NonEmpty},
			{Key: FactCXFVersion, Test: NonEmpty},
		}},
		{Presence: Potential, Signals: []Signal{
			{Key: FactFuseSystemctlFiles, Test: NonEmpty},
			{Key: FactFuseChkconfig, Test: NonEmpty},
		}},
	}
	return Rule{
		Product: ProductFuse,
		Groups:  append(groups, entitlementGroups(ProductFuse)...),
		Versions: VersionRule{
			Keys:     []string{FactActiveMQVersion, FactCamelVersion, FactCXFVersion},
			Releases: FuseReleases,
		},
	}
}

func EAPRule() Rule {
	groups := []EvidenceGroup{
		{Presence: Present, Signals: []Signal{
			{Key: FactEAPHomeLs, Test: AnyValueTrue},
			{Key: FactEAPRunningPaths, Test: AnyValueTrue},
			{Key: FactEAPModulesJar, Test: NonEmpty},
			{Key: FactEAPJarVersion, Test: NonEmpty},
		}},
		{Presence: Potential, Signals: []Signal{
			{Key: FactEAPSystemctlFiles, Test: NonEmpty},
			{Key: FactEAPChkconfig, Test: NonEmpty},
		}},
	}
	return Rule{
		Product: ProductEAP,
		Groups:  append(groups, entitlementGroups(ProductEAP)...),
		Versions: VersionRule{
			Keys:     []string{FactEAPJarVersion},
			Releases: EAPReleases,
		},
	}
}

func BRMSRule() Rule {
	groups := []EvidenceGroup{
		{Presence: Present, Signals: []Signal{
			{Key: FactBRMSManifest, Test: AnyValueTrue},
			{Key: FactBRMSKieInCentral, Test: NonEmpty},
			{Key: FactBRMSLocateKieAPI, Test: NonEmpty},
		}},
	}
	return Rule{
		Product: ProductBRMS,
		Groups:  append(groups, entitlementGroups(ProductBRMS)...),
		Versions: VersionRule{
			Keys:     []string{FactBRMSKieAPIVersion},
			Releases: BRMSReleases,
		},
	}
}

// DefaultClassifiers returns one classifier per shipped product, in report
// order.
func DefaultClassifiers(sources SourceLookup) []*Classifier {
	return []*Classifier{
		NewClassifier(EAPRule(), sources),
		NewClassifier(FuseRule(), sources),
		NewClassifier(BRMSRule(), sources),
	}
}
