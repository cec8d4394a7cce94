package utils

import (
	"reflect"

	"github.com/pkg/errors"
)

// expectedTypeStr names the expected type: a nil interface reads "<unknown (nil interface)>",
// and a nil pointer to an interface type names the interface itself.
func expectedTypeStr(v interface{}) string {
	if v == nil {
		return "<unknown (nil interface)>"
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Interface {
		return t.Elem().String()
	}
	return t.String()
}

// NewUnexpectedTypeError is used when there is a type mismatch, e.g. a Camera implementation
// that does not also satisfy the stereo-rig capability it claims to support.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %s but got %T", expectedTypeStr(expected), actual)
}

// NewUnimplementedInterfaceError is used when there is a failed interface check.
func NewUnimplementedInterfaceError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected implementation of %s but got %T", expectedTypeStr(expected), actual)
}
