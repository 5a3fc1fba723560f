package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var (
	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,63}$`)
	hexUIDPattern   = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}){4,10}$`)
)

// Validator validates structs by `validate` tags
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldType.Name, err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "deviceid":
			if field.Kind() == reflect.String && field.String() != "" {
				if !ValidDeviceID(field.String()) {
					return fmt.Errorf("invalid device id format")
				}
			}

		case "hexuid":
			if field.Kind() == reflect.String && field.String() != "" {
				if !ValidHexUID(field.String()) {
					return fmt.Errorf("invalid tag uid, want 4-10 hex bytes")
				}
			}

		case "port":
			if field.CanInt() {
				if !ValidPort(int(field.Int())) {
					return fmt.Errorf("port out of range 1-65535")
				}
			}

		case "min":
			n, err := strconv.Atoi(arg)
			if err != nil {
				continue
			}
			if field.Kind() == reflect.String && len(field.String()) < n {
				return fmt.Errorf("minimum length is %d", n)
			}
			if field.CanInt() && field.Int() < int64(n) {
				return fmt.Errorf("minimum value is %d", n)
			}

		case "max":
			n, err := strconv.Atoi(arg)
			if err != nil {
				continue
			}
			if field.Kind() == reflect.String && len(field.String()) > n {
				return fmt.Errorf("maximum length is %d", n)
			}
			if field.CanInt() && field.Int() > int64(n) {
				return fmt.Errorf("maximum value is %d", n)
			}
		}
	}

	return nil
}

// ValidDeviceID reports whether a device identifier is acceptable
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// ValidHexUID reports whether a scanned tag UID is valid hex of 4-10 bytes
func ValidHexUID(uid string) bool {
	return hexUIDPattern.MatchString(uid)
}

// ValidPort reports whether a TCP port number is in range
func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
