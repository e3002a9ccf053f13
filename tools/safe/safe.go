package safe

import (
	"fmt"
	"reflect"

	"UniRide/logger"
	"UniRide/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Used for required collaborators at construction time.
func MustNotNil(v any, name string) {
	if v == nil {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			panic(fmt.Sprintf("%s must not be nil", name))
		}
	}
}

// SafeGo starts f on a new goroutine and logs, instead of propagating, any panic.
func SafeGo(name string, f func()) {
	go Run(name, f)
}

// Run calls f on the current goroutine with the same recovery as SafeGo.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("goroutine panic recovered",
				zap.String("task", name),
				zap.Error(errs.ErrPanic(r)),
				zap.Stack("stack"),
			)
		}
	}()
	f()
}
