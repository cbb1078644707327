package unit

import (
	"strings"
)

// Kind selects the per-type behavior of a unit. It is derived once from
// the unit name suffix.
type Kind int

// Unit kinds.
const (
	KindOther Kind = iota
	KindService
	KindSocket
	KindTarget
)

// String returns the suffix a unit of this kind carries.
func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindSocket:
		return "socket"
	case KindTarget:
		return "target"
	default:
		return "other"
	}
}

// KindOf maps a unit suffix (without the dot) to a Kind.
func KindOf(suffix string) Kind {
	switch suffix {
	case "service":
		return KindService
	case "socket":
		return KindSocket
	case "target":
		return KindTarget
	default:
		return KindOther
	}
}

// Name is the parsed identity of a unit name such as "getty@tty1.service".
type Name struct {
	Full      string // getty@tty1.service
	Prefix    string // getty
	Instance  string // tty1
	Suffix    string // service
	Component string // last "-" separated part of Prefix
	Templated bool   // name contains "@"
}

// ParseName splits a unit name into its identity fields.
func ParseName(name string) Name {
	n := Name{Full: name}
	base := name
	if i := strings.LastIndex(base, "."); i >= 0 {
		n.Suffix = base[i+1:]
		base = base[:i]
	}
	if i := strings.Index(base, "@"); i >= 0 {
		n.Templated = true
		n.Prefix = base[:i]
		n.Instance = base[i+1:]
	} else {
		n.Prefix = base
	}
	n.Component = n.Prefix
	if i := strings.LastIndex(n.Prefix, "-"); i >= 0 {
		n.Component = n.Prefix[i+1:]
	}
	return n
}

// Kind returns the unit kind from the suffix.
func (n Name) Kind() Kind {
	return KindOf(n.Suffix)
}

// IsTemplate reports whether the name is an uninstantiated template.
func (n Name) IsTemplate() bool {
	return n.Templated && n.Instance == ""
}

// Template returns the template file name for an instance name, or "" when
// the name is not an instance.
func (n Name) Template() string {
	if !n.Templated || n.Instance == "" {
		return ""
	}
	return n.Prefix + "@." + n.Suffix
}

// WithoutSuffix returns the name without its type suffix.
func (n Name) WithoutSuffix() string {
	if n.Suffix == "" {
		return n.Full
	}
	return strings.TrimSuffix(n.Full, "."+n.Suffix)
}

// Complete appends ".service" to bare names the way the command line does.
func Complete(name string) string {
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
