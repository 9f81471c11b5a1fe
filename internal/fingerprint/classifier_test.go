package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/fleetaudit/internal/inventory"
)

var testSource = SourceRef{ID: "src-1", Type: string(inventory.SourceNetwork)}

func testRegistry(t *testing.T) *inventory.Registry {
	t.Helper()
	reg, err := inventory.NewRegistry(inventory.Source{ID: "src-1", Name: "lab network", Type: inventory.SourceNetwork})
	require.NoError(t, err)
	return reg
}

func strs(values ...string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func TestFusePresentFromVersionLists(t *testing.T) {
	c := NewClassifier(FuseRule(), testRegistry(t))
	product := c.Classify(testSource, Facts{
		FactActiveMQVersion: strs("redhat-630187"),
		FactCamelVersion:    strs("redhat-630187", "redhat-99999"),
		FactCXFVersion:      strs(),
	})

	assert.Equal(t, ProductFuse, product.Name)
	assert.Equal(t, Present, product.Presence)
	assert.Equal(t, []string{"Fuse-6.3.0", "Unknown-Release: redhat-99999"}, product.Version)
	require.NotNil(t, product.Metadata.RawFactKey)
	assert.Equal(t, "jboss_activemq_ver/jboss_camel_ver", *product.Metadata.RawFactKey)
	require.NotNil(t, product.Metadata.SourceName)
	assert.Equal(t, "lab network", *product.Metadata.SourceName)
}

func TestFusePresentFromInstallMarkersWithoutVersions(t *testing.T) {
	c := NewClassifier(FuseRule(), nil)
	product := c.Classify(testSource, Facts{
		FactFuseOnEAP:   map[string]interface{}{"/opt/eap": false, "/opt/jboss": true},
		FactFuseOnKaraf: map[string]interface{}{"/opt/karaf": false},
	})

	assert.Equal(t, Present, product.Presence)
	assert.Nil(t, product.Version)
	assert.Equal(t, "eap_home_bin", *product.Metadata.RawFactKey)
}

func TestPresentWinsOverSecondaryEvidence(t *testing.T) {
	c := NewClassifier(FuseRule(), nil)
	product := c.Classify(testSource, Facts{
		FactCXFVersion:         strs("redhat-621084"),
		FactFuseSystemctlFiles: strs("fuse.service"),
		FactEntitlements:       []interface{}{map[string]interface{}{"name": "JBoss Fuse"}},
	})

	assert.Equal(t, Present, product.Presence)
	assert.Equal(t, []string{"Fuse-6.2.1"}, product.Version)
	assert.Equal(t, "jboss_cxf_ver", *product.Metadata.RawFactKey)
}

func TestPotentialGroupsInOrder(t *testing.T) {
	c := NewClassifier(FuseRule(), nil)
	entitled := []interface{}{map[string]interface{}{"name": "Red Hat JBoss Fuse Premium"}}

	product := c.Classify(testSource, Facts{
		FactFuseChkconfig:  strs("fuse on"),
		FactSubmanConsumed: entitled,
	})
	assert.Equal(t, Potential, product.Presence)
	assert.Equal(t, "jboss_fuse_chkconfig", *product.Metadata.RawFactKey)
	assert.Nil(t, product.Version)

	product = c.Classify(testSource, Facts{FactSubmanConsumed: entitled, FactEntitlements: entitled})
	assert.Equal(t, Potential, product.Presence)
	assert.Equal(t, "subman_consumed", *product.Metadata.RawFactKey)

	product = c.Classify(testSource, Facts{FactEntitlements: entitled})
	assert.Equal(t, Potential, product.Presence)
	assert.Equal(t, "entitlements", *product.Metadata.RawFactKey)
}

func TestDuplicateVersionsCollapse(t *testing.T) {
	c := NewClassifier(FuseRule(), nil)
	product := c.Classify(testSource, Facts{
		FactActiveMQVersion: strs("redhat-630187"),
		FactCamelVersion:    strs("redhat-630187"),
		FactCXFVersion:      strs("redhat-630187"),
	})
	assert.Equal(t, []string{"Fuse-6.3.0"}, product.Version)
}

func TestAbsentPath(t *testing.T) {
	c := NewClassifier(FuseRule(), testRegistry(t))
	product := c.Classify(testSource, Facts{
		FactFuseOnEAP:    map[string]interface{}{"/opt/eap": false},
		FactEntitlements: []interface{}{map[string]interface{}{"name": "Red Hat Enterprise Linux"}},
	})

	assert.Equal(t, Absent, product.Presence)
	assert.Nil(t, product.Version)
	assert.Nil(t, product.Metadata.RawFactKey)
	assert.Equal(t, "src-1", product.Metadata.SourceID)
}

func TestMissingSourceLookup(t *testing.T) {
	c := NewClassifier(FuseRule(), testRegistry(t))
	product := c.Classify(SourceRef{ID: "deleted", Type: "satellite"}, Facts{})

	assert.Equal(t, "deleted", product.Metadata.SourceID)
	assert.Equal(t, "satellite", product.Metadata.SourceType)
	assert.Nil(t, product.Metadata.SourceName)
}

func TestMalformedFactsAreNoEvidence(t *testing.T) {
	for _, rule := range []Rule{FuseRule(), EAPRule(), BRMSRule()} {
		c := NewClassifier(rule, nil)
		product := c.Classify(testSource, Facts{
			FactFuseOnEAP:      "yes",
			FactEAPHomeLs:      []interface{}{"not", "a", "map"},
			FactBRMSManifest:   42.0,
			FactEntitlements:   map[string]interface{}{"name": "JBoss EAP"},
			FactSubmanConsumed: []interface{}{"JBoss BRMS", nil},
		})
		assert.Equal(t, Absent, product.Presence, rule.Product)
	}
}

func TestEAPVersionsFromJarRecords(t *testing.T) {
	c := NewClassifier(EAPRule(), nil)
	product := c.Classify(testSource, Facts{
		FactEAPJarVersion: []interface{}{
			map[string]interface{}{"version": "1.3.6.Final-redhat-1", "date": "2017-01-01"},
			map[string]interface{}{"version": "1.4.4.Final-redhat-1"},
		},
	})
	assert.Equal(t, Present, product.Presence)
	assert.Equal(t, []string{"EAP-6.4", "EAP-7.0"}, product.Version)
}

func TestJarsOfTheSameReleaseReportItOnce(t *testing.T) {
	c := NewClassifier(EAPRule(), nil)
	product := c.Classify(testSource, Facts{
		FactEAPJarVersion: []interface{}{
			map[string]interface{}{"version": "1.3.3.Final-redhat-1"},
			map[string]interface{}{"version": "1.3.4.Final-redhat-1"},
			map[string]interface{}{"version": "1.3.8.Final-redhat-1"},
		},
	})
	assert.Equal(t, Present, product.Presence)
	assert.Equal(t, []string{"EAP-6.4"}, product.Version)
}

func TestBRMSVersionsIndependentOfSignals(t *testing.T) {
	c := NewClassifier(BRMSRule(), nil)
	product := c.Classify(testSource, Facts{
		FactBRMSLocateKieAPI:  strs("/opt/brms/kie-api.jar"),
		FactBRMSKieAPIVersion: strs("6.5.0.Final-redhat-2"),
	})
	assert.Equal(t, Present, product.Presence)
	assert.Equal(t, []string{"BRMS 6.4.0"}, product.Version)
	assert.Equal(t, "jboss_brms_locate_kie_api", *product.Metadata.RawFactKey)
}

func TestEngineKeepsInputOrder(t *testing.T) {
	engine := NewEngine(DefaultClassifiers(testRegistry(t)), 3, nil)
	systems := make([]SystemFacts, 20)
	for i := range systems {
		systems[i] = SystemFacts{Name: string(rune('a' + i)), Source: testSource}
	}
	systems[7].Facts = Facts{FactCamelVersion: strs("redhat-60024")}

	out, err := engine.Run(context.Background(), systems)
	require.NoError(t, err)
	require.Len(t, out, 20)
	for i, fp := range out {
		assert.Equal(t, i, fp.Index)
		assert.Equal(t, systems[i].Name, fp.Name)
		require.Len(t, fp.Products, 3)
	}
	assert.Equal(t, Present, out[7].Products[1].Presence)
	assert.Equal(t, []string{"Fuse-6.0.0"}, out[7].Products[1].Version)
	assert.Equal(t, Absent, out[6].Products[1].Presence)
}

func TestEngineCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(DefaultClassifiers(nil), 1, nil).Run(ctx, []SystemFacts{{Name: "a"}})
	require.Error(t, err)
}
