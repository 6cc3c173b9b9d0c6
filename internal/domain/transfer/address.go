package transfer

import "strings"

// Well-known data address types.
const (
	AddressHTTP = "HttpData"
	AddressS3   = "AmazonS3"
	AddressGCS  = "GoogleCloudStorage"
)

// DataAddress locates the source or destination of a transfer. Properties are
// backend specific and decoded by the data plane that handles Type.
type DataAddress struct {
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Is reports whether the address has the given type, ignoring case.
func (a DataAddress) Is(t string) bool {
	return strings.EqualFold(a.Type, t)
}

// Property returns a property as a string, or "" if it is missing or not a string.
func (a DataAddress) Property(key string) string {
	if a.Properties == nil {
		return ""
	}
	s, _ := a.Properties[key].(string)
	return s
}

// Copy returns a deep copy of the top-level property map.
func (a DataAddress) Copy() DataAddress {
	out := DataAddress{Type: a.Type}
	if a.Properties != nil {
		out.Properties = make(map[string]any, len(a.Properties))
		for k, v := range a.Properties {
			out.Properties[k] = v
		}
	}
	return out
}
