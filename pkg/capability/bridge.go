package capability

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/luminode/luminode/pkg/runtime"
)

// Predeclared builds the Starlark environment exposing every registered
// capability as a builtin function. Positional arguments bind in schema
// order; keyword arguments bind by name. The returned dict is safe to share
// across program threads because all invocations funnel through the registry.
func (r *Registry) Predeclared() starlark.StringDict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for name, cap := range r.capabilities {
		env[name] = r.builtin(name, cap.Schema)
	}
	return env
}

// builtin wraps one capability as a Starlark builtin.
func (r *Registry) builtin(name string, schema Schema) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > len(schema) {
			return nil, fmt.Errorf("%s: accepts at most %d arguments, got %d", b.Name(), len(schema), len(args))
		}

		goArgs := make(map[string]interface{}, len(args)+len(kwargs))
		for i, arg := range args {
			value, err := FromStarlark(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %q: %w", b.Name(), schema[i].Name, err)
			}
			goArgs[schema[i].Name] = value
		}
		for _, kv := range kwargs {
			key, ok := kv[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: keyword must be a string", b.Name())
			}
			if _, dup := goArgs[string(key)]; dup {
				return nil, fmt.Errorf("%s: argument %q given twice", b.Name(), string(key))
			}
			value, err := FromStarlark(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %q: %w", b.Name(), string(key), err)
			}
			goArgs[string(key)] = value
		}

		result, err := r.Invoke(threadContext(thread), name, goArgs)
		if err != nil {
			return nil, err
		}
		return ToStarlark(result)
	})
}

// threadContext extracts the execution context installed by the program
// manager. A background context is used for threads created outside it.
func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(runtime.ThreadContextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// ToStarlark converts a Go value to its Starlark representation.
func ToStarlark(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := ToStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlark converts a Starlark value to its Go representation.
func FromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := FromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := FromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := FromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
