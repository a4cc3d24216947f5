// Package userinfo checks the identity records a policy service resolves for
// provisioned users against expected fixtures.
package userinfo

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// AttributeValue is a custom attribute value, either a single string or a
// list of strings on the wire. The shape is preserved so a one-element list
// does not compare equal to a bare string.
type AttributeValue struct {
	Values []string
	List   bool
}

// String returns a single-string attribute value.
func String(s string) AttributeValue {
	return AttributeValue{Values: []string{s}}
}

// Strings returns a list-valued attribute.
func Strings(values ...string) AttributeValue {
	return AttributeValue{Values: values, List: true}
}

// Equal reports whether two attribute values have the same shape and
// contents.
func (v AttributeValue) Equal(other AttributeValue) bool {
	if v.List != other.List || len(v.Values) != len(other.Values) {
		return false
	}
	for i := range v.Values {
		if v.Values[i] != other.Values[i] {
			return false
		}
	}
	return true
}

func (v AttributeValue) MarshalJSON() ([]byte, error) {
	if v.List {
		return json.Marshal(v.Values)
	}
	if len(v.Values) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(v.Values[0])
}

func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = AttributeValue{Values: []string{single}}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("attribute value must be a string or a list of strings")
	}
	*v = AttributeValue{Values: list, List: true}
	return nil
}

func (v *AttributeValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*v = AttributeValue{Values: []string{single}}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*v = AttributeValue{Values: list, List: true}
		return nil
	default:
		return fmt.Errorf("attribute value must be a string or a list of strings")
	}
}

// Record is the identity view the policy service resolves for a user.
type Record struct {
	CustomAttributes map[string]AttributeValue `json:"customAttributes"`
	Groups           []string                  `json:"groups"`
	ID               string                    `json:"id"`
	Username         string                    `json:"username"`
}

// Equal reports whether two identity records agree in every field. Group
// order is not significant.
func (r Record) Equal(other Record) bool {
	if r.ID != other.ID || r.Username != other.Username {
		return false
	}
	if !equalGroups(r.Groups, other.Groups) {
		return false
	}
	return equalAttributes(r.CustomAttributes, other.CustomAttributes)
}

// ErrorRecord is returned in place of an identity record when a lookup
// fails.
type ErrorRecord struct {
	Message string   `json:"message"`
	Causes  []string `json:"causes"`
}

// NamedRef is a group or role reference carrying only a name.
type NamedRef struct {
	Name string `json:"name" yaml:"name"`
}

// RoleAssignments is the identity view returned by backends that resolve
// realm roles rather than directory records.
type RoleAssignments struct {
	CustomAttributes map[string]AttributeValue `json:"customAttributes"`
	Groups           []NamedRef                `json:"groups"`
	Roles            []NamedRef                `json:"roles"`
}

// Equal reports whether two role views agree. Group and role order is not
// significant.
func (r RoleAssignments) Equal(other RoleAssignments) bool {
	if !equalAttributes(r.CustomAttributes, other.CustomAttributes) {
		return false
	}
	return equalNamedRefs(r.Groups, other.Groups) && equalNamedRefs(r.Roles, other.Roles)
}

func equalGroups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedCopy(a)
	bs := sortedCopy(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func equalAttributes(a, b map[string]AttributeValue) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

func equalNamedRefs(a, b []NamedRef) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortNamedRefs(a)
	bs := sortNamedRefs(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

func sortNamedRefs(refs []NamedRef) []NamedRef {
	out := append([]NamedRef(nil), refs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
