// Package binder fills request structs from query strings, form bodies and path
// parameters using `query`, `form` and `path` struct tags.
package binder

import (
	"encoding"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/dmitrymomot/billingsync/handler"
)

var (
	ErrInvalidTarget = errors.New("binder: target must be a non-nil pointer to struct")
	ErrInvalidValue  = errors.New("binder: invalid value")
)

// Query binds URL query parameters.
func Query() handler.Bind {
	return func(r *http.Request, v any) error {
		return bind(v, "query", func(name string) []string { return r.URL.Query()[name] })
	}
}

// Form binds an application/x-www-form-urlencoded body. Requests with another
// content type are skipped.
func Form() handler.Bind {
	return func(r *http.Request, v any) error {
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mt != "application/x-www-form-urlencoded" {
			return handler.ErrNotApplicable
		}
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return bind(v, "form", func(name string) []string { return r.PostForm[name] })
	}
}

// Path binds router path parameters read through param, e.g. chi.URLParam.
func Path(param func(r *http.Request, name string) string) handler.Bind {
	return func(r *http.Request, v any) error {
		return bind(v, "path", func(name string) []string {
			if s := param(r, name); s != "" {
				return []string{s}
			}
			return nil
		})
	}
}

var textUnmarshaler = reflect.TypeFor[encoding.TextUnmarshaler]()

func bind(v any, tag string, lookup func(name string) []string) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return ErrInvalidTarget
	}
	rv = rv.Elem()
	rt := rv.Type()

	for i := range rt.NumField() {
		sf := rt.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get(tag), ",")
		if name == "" || name == "-" || !sf.IsExported() {
			continue
		}
		values := lookup(name)
		if len(values) == 0 {
			continue
		}
		if err := set(rv.Field(i), values[0]); err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalidValue, tag, name, err)
		}
	}
	return nil
}

func set(f reflect.Value, s string) error {
	if f.CanAddr() && f.Addr().Type().Implements(textUnmarshaler) {
		return f.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}
