package dbus

import (
	"path"
	"strings"
)

// ObjectPath is a DBus object path, e.g. "/com/example/Foo".
type ObjectPath string

// Clean returns the canonical form of o: a leading slash, no trailing
// slash (unless o is the root path), and no repeated slashes.
func (o ObjectPath) Clean() ObjectPath {
	if o == "" {
		return "/"
	}
	c := path.Clean(string(o))
	if !strings.HasPrefix(c, "/") {
		c = "/" + c
	}
	return ObjectPath(c)
}

// IsValid reports whether o is a syntactically valid DBus object path.
func (o ObjectPath) IsValid() bool {
	s := string(o)
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if strings.HasSuffix(s, "/") {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for _, r := range elem {
			if !isPathElementRune(r) {
				return false
			}
		}
	}
	return true
}

func isPathElementRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
	case r >= 'A' && r <= 'Z':
	case r >= '0' && r <= '9':
	case r == '_':
	default:
		return false
	}
	return true
}

// Child returns the object path formed by appending elem as a child
// of o.
func (o ObjectPath) Child(elem string) ObjectPath {
	return ObjectPath(strings.TrimSuffix(string(o.Clean()), "/") + "/" + elem)
}

// IsChildOf reports whether o is prefix, or a descendant of prefix.
func (o ObjectPath) IsChildOf(prefix ObjectPath) bool {
	op, pp := string(o.Clean()), string(prefix.Clean())
	if op == pp {
		return true
	}
	if pp == "/" {
		return strings.HasPrefix(op, "/")
	}
	return strings.HasPrefix(op, pp+"/")
}
