package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
)

// ErrUnsupportedCallable matches every UnsupportedCallableError.
var ErrUnsupportedCallable = errors.New("unsupported callable")

// UnsupportedCallableError reports a callable that does not satisfy the unary,
// name-addressable contract.
type UnsupportedCallableError struct {
	Name   string
	Reason string
}

func (e *UnsupportedCallableError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("unsupported callable: %s", e.Reason)
	}
	return fmt.Sprintf("unsupported callable %q: %s", e.Name, e.Reason)
}

func (e *UnsupportedCallableError) Is(target error) bool {
	return target == ErrUnsupportedCallable
}

// Invoker is the type-erased form of a unary callable.
type Invoker func(args json.RawMessage) (json.RawMessage, error)

// Callable binds an Invoker to the name it is known by in a Table.
// An empty name marks a local-only callable that cannot cross an isolation boundary.
type Callable struct {
	Name   string
	invoke Invoker
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidName reports whether name can be used as a table key.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// New wraps a raw invoker.
func New(name string, fn Invoker) Callable {
	return Callable{Name: name, invoke: fn}
}

// Func adapts a typed unary function. Arguments and results are JSON encoded.
func Func[TIn, TOut any](name string, fn func(TIn) (TOut, error)) Callable {
	return New(name, func(raw json.RawMessage) (json.RawMessage, error) {
		var in TIn
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("decode argument: %w", err)
			}
		}
		out, err := fn(in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return b, nil
	})
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Reflect adapts an arbitrary function value after checking that it is unary:
// exactly one non-variadic parameter and either one result or (result, error).
func Reflect(name string, fn any) (Callable, error) {
	if fn == nil {
		return Callable{}, &UnsupportedCallableError{Name: name, Reason: "nil function"}
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return Callable{}, &UnsupportedCallableError{Name: name, Reason: fmt.Sprintf("%s is not a function", t)}
	}
	if t.IsVariadic() {
		return Callable{}, &UnsupportedCallableError{Name: name, Reason: "variadic functions are not supported"}
	}
	if t.NumIn() != 1 {
		return Callable{}, &UnsupportedCallableError{
			Name:   name,
			Reason: fmt.Sprintf("function must take exactly one argument, %s takes %d", t, t.NumIn()),
		}
	}
	switch {
	case t.NumOut() == 1 && t.Out(0) != errorType:
	case t.NumOut() == 2 && t.Out(1) == errorType:
	default:
		return Callable{}, &UnsupportedCallableError{
			Name:   name,
			Reason: fmt.Sprintf("function must return (T) or (T, error), %s does not", t),
		}
	}

	inType := t.In(0)
	return New(name, func(raw json.RawMessage) (json.RawMessage, error) {
		in := reflect.New(inType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, in.Interface()); err != nil {
				return nil, fmt.Errorf("decode argument: %w", err)
			}
		}
		out := v.Call([]reflect.Value{in.Elem()})
		if len(out) == 2 && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		b, err := json.Marshal(out[0].Interface())
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return b, nil
	}), nil
}

// Validate checks that the callable can be invoked. Remote reports whether it
// must also be addressable by name.
func (c Callable) Validate(remote bool) error {
	if c.invoke == nil {
		return &UnsupportedCallableError{Name: c.Name, Reason: "no function bound"}
	}
	if remote && c.Name == "" {
		return &UnsupportedCallableError{Reason: "anonymous callables cannot cross an isolation boundary; add it to the capability table"}
	}
	if c.Name != "" && !ValidName(c.Name) {
		return &UnsupportedCallableError{Name: c.Name, Reason: "name must match " + namePattern.String()}
	}
	return nil
}

// Invoke calls the callable. A panic inside the callable is returned as an error.
func (c Callable) Invoke(args json.RawMessage) (result json.RawMessage, err error) {
	if c.invoke == nil {
		return nil, &UnsupportedCallableError{Name: c.Name, Reason: "no function bound"}
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("callable %q panicked: %v", c.Name, r)
		}
	}()
	return c.invoke(args)
}

// Ref is the registration payload sent across an isolation boundary.
type Ref struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
}
