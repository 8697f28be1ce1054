package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

// Validator is implemented by configuration structs with cross-field rules.
// Nested structs are validated before the struct containing them.
type Validator interface {
	Validate() error
}

func validate(rv reflect.Value) error {
	err := walk(rv, "", "", func(f field) error {
		if f.required && f.value.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return validateStructs(rv)
}

func validateStructs(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		fv := rv.Field(i)
		if fv.CanSet() && !isLeaf(rt.Field(i).Type) {
			if err := validateStructs(fv); err != nil {
				return err
			}
		}
	}

	if !rv.CanAddr() {
		return nil
	}
	v, ok := rv.Addr().Interface().(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, isSSErr := sserr.AsError(err); isSSErr {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
	}
	return nil
}
