// Package models provides data model definitions for the SiteSync core.
package models

// ImageIDsField is the domain-record field holding the ordered list of asset
// references. Each entry is either a local handle or a durable locator.
const ImageIDsField = "image_ids"

// AssetRefs extracts the image_ids list from a record as strings. Records
// without the field, or with a malformed field, yield nil.
func AssetRefs(record map[string]interface{}) []string {
	raw, ok := record[ImageIDsField]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}

// SetAssetRefs writes the image_ids list back onto a record.
func SetAssetRefs(record map[string]interface{}, refs []string) {
	out := make([]interface{}, len(refs))
	for i, r := range refs {
		out[i] = r
	}
	record[ImageIDsField] = out
}
