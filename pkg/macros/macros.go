package macros

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/argus-monitor/argus/pkg/types"
)

// ErrMacroSyntax is returned for templates with an unmatched '$'.
var ErrMacroSyntax = errors.New("macro syntax error: unmatched '$'")

// Resolver is one (prefix, object) lookup source. A Resolver with an empty
// Prefix matches macro names directly against the object's fields.
type Resolver struct {
	Prefix string
	Object any
}

// Func is a callable macro value. It is evaluated with the resolver list and
// the check result in scope.
type Func func(resolvers []Resolver, cr *types.CheckResult) (string, error)

// Options tunes one resolution pass.
type Options struct {
	// CheckResult is passed to callable macro values.
	CheckResult *types.CheckResult
	// Missing, when non-nil, collects unresolved macro names instead of
	// resolving them to the empty string.
	Missing *[]string
	// EscapeFn, when set, post-processes every resolved value.
	EscapeFn func(string) string
	// Cache, when non-nil and UseCache is set, memoizes resolved values
	// across calls within one expansion batch.
	Cache    map[string]string
	UseCache bool
}

// Resolve expands $name$ and $a.b.c$ tokens in template against the ordered
// resolver list. '$$' is a literal dollar sign.
func Resolve(template string, resolvers []Resolver, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		c := template[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}
		end := strings.IndexByte(template[i+1:], '$')
		if end < 0 {
			return "", fmt.Errorf("%w in %q", ErrMacroSyntax, template)
		}
		end += i + 1

		name := template[i+1 : end]
		value, found, err := resolveOne(name, resolvers, opts)
		if err != nil {
			return "", err
		}
		if !found {
			if opts.Missing != nil {
				*opts.Missing = append(*opts.Missing, name)
			}
			// Missing macros resolve to empty per caller policy.
		} else {
			if opts.EscapeFn != nil {
				value = opts.EscapeFn(value)
			}
			out.WriteString(value)
		}
		i = end + 1
	}

	return out.String(), nil
}

func resolveOne(name string, resolvers []Resolver, opts *Options) (string, bool, error) {
	if opts.UseCache && opts.Cache != nil {
		if v, ok := opts.Cache[name]; ok {
			return v, true, nil
		}
	}

	for _, r := range resolvers {
		path := name
		if r.Prefix != "" {
			if !strings.HasPrefix(name, r.Prefix+".") {
				continue
			}
			path = name[len(r.Prefix)+1:]
		}
		v, ok := walkPath(r.Object, strings.Split(path, "."))
		if !ok {
			continue
		}
		s, err := renderValue(v, resolvers, opts.CheckResult)
		if err != nil {
			return "", false, err
		}
		if opts.UseCache && opts.Cache != nil {
			opts.Cache[name] = s
		}
		return s, true, nil
	}
	return "", false, nil
}

// walkPath descends into struct fields and map keys by name.
func walkPath(obj any, path []string) (any, bool) {
	cur := obj
	for _, seg := range path {
		next, ok := lookupField(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func lookupField(obj any, name string) (any, bool) {
	if obj == nil {
		return nil, false
	}

	switch m := obj.(type) {
	case map[string]any:
		v, ok := m[name]
		return v, ok
	case map[string]string:
		v, ok := m[name]
		return v, ok
	}

	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		want := strings.ReplaceAll(name, "_", "")
		// FieldByNameFunc also finds fields promoted from embedded structs.
		f := rv.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, want) })
		if f.IsValid() && f.CanInterface() {
			return f.Interface(), true
		}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			v := rv.MapIndex(reflect.ValueOf(name))
			if v.IsValid() {
				return v.Interface(), true
			}
		}
	}
	return nil, false
}

// renderValue turns a terminal value into its string form: arrays join with
// ';', callables are evaluated, numbers use their shortest representation.
func renderValue(v any, resolvers []Resolver, cr *types.CheckResult) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case Func:
		return val(resolvers, cr)
	case func(resolvers []Resolver, cr *types.CheckResult) (string, error):
		return val(resolvers, cr)
	case []string:
		return strings.Join(val, ";"), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, err := renderValue(item, resolvers, cr)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ";"), nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

// ResolveArguments renders a command line from the base command and its
// argument specs. Arguments are ordered by their Order key, then by name.
// set_if expressions gate the argument; repeat_key repeats the option for
// every element of an array value.
func ResolveArguments(command []string, args map[string]types.ArgumentSpec, resolvers []Resolver, opts *Options) ([]string, error) {
	argv := make([]string, 0, len(command)+2*len(args))
	for _, part := range command {
		resolved, err := Resolve(part, resolvers, opts)
		if err != nil {
			return nil, err
		}
		argv = append(argv, resolved)
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := args[names[i]], args[names[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		spec := args[name]

		if spec.SetIf != "" {
			cond, err := Resolve(spec.SetIf, resolvers, opts)
			if err != nil {
				return nil, err
			}
			if !truthy(cond) {
				continue
			}
		}

		value, err := Resolve(spec.Value, resolvers, opts)
		if err != nil {
			return nil, err
		}
		if value == "" && spec.Value != "" {
			if spec.Required {
				return nil, fmt.Errorf("required argument %s resolved to empty", name)
			}
			continue
		}

		switch {
		case value == "":
			// Flag without a value.
			argv = append(argv, name)
		case spec.RepeatKey && strings.Contains(value, ";"):
			for _, item := range strings.Split(value, ";") {
				if !spec.SkipKey {
					argv = append(argv, name)
				}
				argv = append(argv, item)
			}
		default:
			if !spec.SkipKey {
				argv = append(argv, name)
			}
			argv = append(argv, value)
		}
	}

	return argv, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no":
		return false
	}
	return true
}
