package value

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrPathNotFound = errors.New("path not found")
	ErrNotContainer = errors.New("value is not a container")
)

// Path addresses a node inside a value tree. Its string form is an RFC 6901
// JSON pointer; the empty path is the root.
type Path []string

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")
var pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(pointerEscaper.Replace(seg))
	}
	return b.String()
}

// Child returns a new path extended by seg; p is left untouched.
func (p Path) Child(seg string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	if s[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	parts := strings.Split(s[1:], "/")
	for i, part := range parts {
		parts[i] = pointerUnescaper.Replace(part)
	}
	return Path(parts), nil
}

func (v Value) Get(p Path) (Value, bool) {
	cur := v
	for _, seg := range p {
		switch cur.kind {
		case Object:
			next, ok := cur.props[seg]
			if !ok {
				return Value{}, false
			}
			cur = next
		case Array:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return Value{}, false
			}
			next, ok := cur.Index(i)
			if !ok {
				return Value{}, false
			}
			cur = next
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// Set returns a copy of v with the node at p replaced by nv. Missing object
// keys are created on the last segment only; array indices must exist.
func (v Value) Set(p Path, nv Value) (Value, error) {
	if len(p) == 0 {
		return nv, nil
	}
	seg := p[0]
	switch v.kind {
	case Object:
		child, ok := v.props[seg]
		if !ok && len(p) > 1 {
			return Value{}, fmt.Errorf("%w: %s", ErrPathNotFound, seg)
		}
		updated, err := child.Set(p[1:], nv)
		if err != nil {
			return Value{}, err
		}
		return v.withField(seg, updated, ok), nil
	case Array:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return Value{}, fmt.Errorf("%w: index %q", ErrInvalidPath, seg)
		}
		if i < 0 || i >= len(v.items) {
			return Value{}, fmt.Errorf("%w: index %d", ErrPathNotFound, i)
		}
		updated, err := v.items[i].Set(p[1:], nv)
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, len(v.items))
		copy(items, v.items)
		items[i] = updated
		return arrayOf(items), nil
	default:
		return Value{}, fmt.Errorf("%w: %s at %q", ErrNotContainer, v.kind, seg)
	}
}

// Delete returns a copy of v with the object key at p removed.
func (v Value) Delete(p Path) (Value, error) {
	if len(p) == 0 {
		return Value{}, fmt.Errorf("%w: cannot delete root", ErrInvalidPath)
	}
	seg := p[0]
	switch v.kind {
	case Object:
		child, ok := v.props[seg]
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", ErrPathNotFound, seg)
		}
		if len(p) == 1 {
			return v.withoutField(seg), nil
		}
		updated, err := child.Delete(p[1:])
		if err != nil {
			return Value{}, err
		}
		return v.withField(seg, updated, true), nil
	case Array:
		if len(p) == 1 {
			return Value{}, fmt.Errorf("%w: array elements are replaced, not deleted", ErrInvalidPath)
		}
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v.items) {
			return Value{}, fmt.Errorf("%w: index %q", ErrPathNotFound, seg)
		}
		updated, err := v.items[i].Delete(p[1:])
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, len(v.items))
		copy(items, v.items)
		items[i] = updated
		return arrayOf(items), nil
	default:
		return Value{}, fmt.Errorf("%w: %s at %q", ErrNotContainer, v.kind, seg)
	}
}

func (v Value) withField(key string, field Value, exists bool) Value {
	props := make(map[string]Value, len(v.props)+1)
	for k, p := range v.props {
		props[k] = p
	}
	props[key] = field
	keys := v.keys
	if !exists {
		i := sort.SearchStrings(v.keys, key)
		keys = make([]string, 0, len(v.keys)+1)
		keys = append(keys, v.keys[:i]...)
		keys = append(keys, key)
		keys = append(keys, v.keys[i:]...)
	}
	return objectOf(keys, props)
}

func (v Value) withoutField(key string) Value {
	props := make(map[string]Value, len(v.props))
	keys := make([]string, 0, len(v.keys))
	for _, k := range v.keys {
		if k == key {
			continue
		}
		keys = append(keys, k)
		props[k] = v.props[k]
	}
	return objectOf(keys, props)
}
