package expr

import (
	"maps"
	"slices"
	"strconv"

	"github.com/dop251/goja"
	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
)

// inherited names resolve through the prototype chain instead of raising
// KeyNotFoundError, so conversions and JSON.stringify keep working.
var inherited = map[string]bool{
	"constructor":          true,
	"hasOwnProperty":       true,
	"isPrototypeOf":        true,
	"propertyIsEnumerable": true,
	"toLocaleString":       true,
	"toString":             true,
	"valueOf":              true,
	"toJSON":               true,
	"__proto__":            true,
	"__defineGetter__":     true,
	"__defineSetter__":     true,
	"__lookupGetter__":     true,
	"__lookupSetter__":     true,
}

// missing raises KeyNotFoundError inside the script, or defers to the
// prototype for inherited names.
func (e *Engine) missing(key string) goja.Value {
	if inherited[key] {
		return nil
	}
	panic(e.vm.NewGoError(cerrors.NewKeyNotFoundError(key)))
}

// wrap exposes a Go value to scripts. Messages, maps and slices are wrapped
// live so that reads of absent keys raise and writes reach the Go value.
func (e *Engine) wrap(v any) goja.Value {
	switch t := v.(type) {
	case *message.Message:
		return e.vm.NewDynamicObject(&messageObject{engine: e, msg: t})
	case map[string]any:
		return e.vm.NewDynamicObject(&mapObject{engine: e, values: t})
	case []any:
		return e.vm.NewDynamicArray(&sliceObject{engine: e, values: t})
	default:
		return e.vm.ToValue(v)
	}
}

// export converts a script value back to a plain Go value.
func (e *Engine) export(v goja.Value) any {
	if v == nil {
		return nil
	}
	return native(v.Export())
}

// native unwraps live wrappers found in an exported value.
func native(v any) any {
	switch t := v.(type) {
	case *messageObject:
		return t.msg
	case *mapObject:
		return t.values
	case *sliceObject:
		return t.values
	case []any:
		for i, item := range t {
			t[i] = native(item)
		}
	case map[string]any:
		for k, item := range t {
			t[k] = native(item)
		}
	}
	return v
}

type messageObject struct {
	engine *Engine
	msg    *message.Message
}

func (o *messageObject) Get(key string) goja.Value {
	v, ok := o.msg.Get(key)
	if !ok {
		return o.engine.missing(key)
	}
	return o.engine.wrap(v)
}

func (o *messageObject) Set(key string, val goja.Value) bool {
	o.msg.Set(key, o.engine.export(val))
	return true
}

func (o *messageObject) Has(key string) bool { return o.msg.Has(key) }

func (o *messageObject) Delete(key string) bool {
	o.msg.Delete(key)
	return true
}

func (o *messageObject) Keys() []string { return o.msg.Keys() }

type mapObject struct {
	engine   *Engine
	values   map[string]any
	readOnly bool
}

func (o *mapObject) Get(key string) goja.Value {
	v, ok := o.values[key]
	if !ok {
		return o.engine.missing(key)
	}
	return o.engine.wrap(v)
}

func (o *mapObject) Set(key string, val goja.Value) bool {
	if o.readOnly || o.values == nil {
		return false
	}
	o.values[key] = o.engine.export(val)
	return true
}

func (o *mapObject) Has(key string) bool {
	_, ok := o.values[key]
	return ok
}

func (o *mapObject) Delete(key string) bool {
	if o.readOnly {
		return false
	}
	delete(o.values, key)
	return true
}

func (o *mapObject) Keys() []string {
	return slices.Sorted(maps.Keys(o.values))
}

type sliceObject struct {
	engine *Engine
	values []any
}

func (o *sliceObject) Len() int { return len(o.values) }

func (o *sliceObject) Get(idx int) goja.Value {
	if idx < 0 || idx >= len(o.values) {
		return o.engine.missing(strconv.Itoa(idx))
	}
	return o.engine.wrap(o.values[idx])
}

func (o *sliceObject) Set(idx int, val goja.Value) bool {
	if idx < 0 || idx >= len(o.values) {
		return false
	}
	o.values[idx] = o.engine.export(val)
	return true
}

// SetLen is unsupported: the backing slice is shared with the Go side.
func (o *sliceObject) SetLen(int) bool { return false }
