package sync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// REDCapDateFormat is the date_ymd validation format.
const REDCapDateFormat = "2006-01-02"

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	REDCapDateFormat,
	"01/02/2006",
}

// Mappable provides a common interface for types that can be mapped.
// This enables shared field mapping logic.
type Mappable interface {
	GetFields() map[string]interface{}
	SetField(key string, value interface{})
	DeleteField(key string)
}

// MapFields maps fields from a source to a destination using the provided mappings.
// Values are rendered the way REDCap's flat import expects them: every value is a string,
// a missing value is an empty string so an update clears it.
func MapFields(mappings FieldMappings, source Source, destination Mappable) error {
	var errs []error
	set := func(field string, value string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", field, err))
			return
		}
		destination.SetField(field, value)
	}
	for field, path := range mappings.Strings {
		// handle static strings as well as dynamic paths
		// escaping the value in backticks allows us to distinguish between the two
		if len(path) >= 2 && path[0] == '`' && path[len(path)-1] == '`' {
			destination.SetField(field, path[1:len(path)-1])
			continue
		}
		result, _ := source.StringForPath(path)
		destination.SetField(field, result)
	}
	for field, path := range mappings.Integers {
		v, err := renderInteger(source.ResultForPath(path))
		set(field, v, err)
	}
	for field, path := range mappings.Decimals {
		v, err := renderDecimal(source.ResultForPath(path))
		set(field, v, err)
	}
	for field, path := range mappings.Booleans {
		v, err := renderBoolean(source.ResultForPath(path))
		set(field, v, err)
	}
	for field, path := range mappings.Dates {
		v, err := renderDate(source.ResultForPath(path))
		set(field, v, err)
	}
	return errors.Join(errs...)
}

func missing(r gjson.Result) bool {
	return !r.Exists() || r.Type == gjson.Null || (r.Type == gjson.String && strings.TrimSpace(r.Str) == "")
}

func renderInteger(r gjson.Result) (string, error) {
	if missing(r) {
		return "", nil
	}
	switch r.Type {
	case gjson.Number:
		if r.Num != float64(int64(r.Num)) {
			return "", fmt.Errorf("%v is not a whole number", r.Num)
		}
		return strconv.FormatInt(int64(r.Num), 10), nil
	case gjson.String:
		i, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a whole number", r.Str)
		}
		return strconv.FormatInt(i, 10), nil
	}
	return "", fmt.Errorf("%s is not a whole number", r.Raw)
}

func renderDecimal(r gjson.Result) (string, error) {
	if missing(r) {
		return "", nil
	}
	switch r.Type {
	case gjson.Number:
		return strconv.FormatFloat(r.Num, 'f', -1, 64), nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return "", fmt.Errorf("%q is not a number", r.Str)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%s is not a number", r.Raw)
}

func renderBoolean(r gjson.Result) (string, error) {
	if missing(r) {
		return "", nil
	}
	switch r.Type {
	case gjson.True:
		return "1", nil
	case gjson.False:
		return "0", nil
	case gjson.Number:
		if r.Num == 0 {
			return "0", nil
		}
		return "1", nil
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.Str)) {
		case "1", "true", "yes", "y":
			return "1", nil
		case "0", "false", "no", "n":
			return "0", nil
		}
	}
	return "", fmt.Errorf("%s is not a boolean", r.Raw)
}

func renderDate(r gjson.Result) (string, error) {
	if missing(r) {
		return "", nil
	}
	s := strings.TrimSpace(r.String())
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(REDCapDateFormat), nil
		}
	}
	return "", fmt.Errorf("%q is not a date", s)
}
