package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// registerJSONFieldNames makes validator report fields by their JSON names.
func registerJSONFieldNames() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
}

// validationFields turns a bind error into per-field messages keyed by JSON name. A body that failed
// to decode is validated as decoded so missing fields are still reported.
func validationFields(req any, err error) map[string][]string {
	fields := map[string][]string{}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		fields[typeErr.Field] = append(fields[typeErr.Field], fmt.Sprintf("The %s field must be a %s.", displayName(typeErr.Field), typeErr.Type.Kind()))
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if vErr := binding.Validator.ValidateStruct(req); vErr != nil {
			errors.As(vErr, &verrs)
		}
	}
	for _, fe := range verrs {
		name := fe.Field()
		if _, seen := fields[name]; seen {
			continue
		}
		fields[name] = append(fields[name], fieldMessage(fe))
	}
	return fields
}

func fieldMessage(fe validator.FieldError) string {
	name := displayName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", name)
	case "email":
		return fmt.Sprintf("The %s field must be a valid email address.", name)
	case "max":
		return fmt.Sprintf("The %s field must not be greater than %s characters.", name, fe.Param())
	default:
		return fmt.Sprintf("The %s field is invalid.", name)
	}
}

func displayName(field string) string {
	return strings.ReplaceAll(field, "_", " ")
}
