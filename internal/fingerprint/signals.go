package fingerprint

import "strings"

// truthy treats nil, false, zero numbers and empty strings, lists and maps as
// no evidence.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		return true
	}
}

func NonEmpty(value interface{}) bool {
	return truthy(value)
}

// AnyValueTrue fires for a mapping with at least one truthy value, e.g. a
// per-install-path marker table.
func AnyValueTrue(value interface{}) bool {
	m, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	for _, v := range m {
		if truthy(v) {
			return true
		}
	}
	return false
}

// EntitlementFound fires when any entitlement record's name contains product.
func EntitlementFound(product string) Test {
	return func(value interface{}) bool {
		records, ok := value.([]interface{})
		if !ok {
			return false
		}
		for _, record := range records {
			entry, ok := record.(map[string]interface{})
			if !ok {
				continue
			}
			if name, ok := entry["name"].(string); ok && strings.Contains(name, product) {
				return true
			}
		}
		return false
	}
}
