package helper

import (
	"path/filepath"
	"reflect"
)

// ObjName returns "package.Type" for passed value, pointers are
// dereferenced. It is used in error messages.
func ObjName(iface interface{}) string {
	t := reflect.TypeOf(iface)
	if t == nil {
		return "nil"
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return filepath.Base(t.PkgPath()) + "." + t.Name()
}
