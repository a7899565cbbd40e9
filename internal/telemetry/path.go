package telemetry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
)

// ParsePath parses a string path such as /sensors/sensor[id=AIR_001]/state
// into a gNMI Path
func ParsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return &gnmi.Path{}, nil
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		kv := strings.SplitN(selector, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[kv[0]] = kv[1]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// PathString converts a gNMI Path to its string form
func PathString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[")
				b.WriteString(k)
				b.WriteString("=")
				b.WriteString(elem.Key[k])
				b.WriteString("]")
			}
		}
	}
	return b.String()
}

// join concatenates prefix and path elements
func join(prefix, path *gnmi.Path) []*gnmi.PathElem {
	var elems []*gnmi.PathElem
	if prefix != nil {
		elems = append(elems, prefix.Elem...)
	}
	if path != nil {
		elems = append(elems, path.Elem...)
	}
	return elems
}

// matches reports whether the subscribed path selects full. A subscribed
// element matches on name, "*" matches any name, and a key is only compared
// when the subscriber pinned it to something other than "*".
func matches(sub, full []*gnmi.PathElem) bool {
	if len(sub) > len(full) {
		return false
	}
	for i, s := range sub {
		f := full[i]
		if s.Name != "*" && s.Name != f.Name {
			return false
		}
		for k, v := range s.Key {
			if v == "*" {
				continue
			}
			if f.Key[k] != v {
				return false
			}
		}
	}
	return true
}

// valueString renders a TypedValue for logging
func valueString(value *gnmi.TypedValue) string {
	if value == nil {
		return ""
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_IntVal:
		return fmt.Sprintf("%d", v.IntVal)
	case *gnmi.TypedValue_BoolVal:
		return fmt.Sprintf("%t", v.BoolVal)
	case *gnmi.TypedValue_DoubleVal:
		return fmt.Sprintf("%f", v.DoubleVal)
	case *gnmi.TypedValue_JsonVal:
		return string(v.JsonVal)
	default:
		return ""
	}
}
