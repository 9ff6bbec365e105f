package sync

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ApplyFieldTransformsParams contains parameters for applying field transforms.
type ApplyFieldTransformsParams struct {
	Transforms  map[string]string
	Destination Mappable
	Logger      *slog.Logger
}

// ApplyFieldTransforms applies configured transforms to mapped fields.
// Transforms are written as function or function:arg.
func ApplyFieldTransforms(params ApplyFieldTransformsParams) error {
	if len(params.Transforms) == 0 {
		return nil
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fields := params.Destination.GetFields()

	// sorted for a stable first error
	names := make([]string, 0, len(params.Transforms))
	for field := range params.Transforms {
		names = append(names, field)
	}
	sort.Strings(names)

	for _, field := range names {
		transform := params.Transforms[field]
		if _, exists := fields[field]; !exists {
			return fmt.Errorf("invalid transform, field %s does not exist", field)
		}

		function, arg, _ := strings.Cut(transform, ":")
		value := fmt.Sprintf("%v", fields[field])

		switch function {
		case "required":
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("field %s is required", field)
			}

		case "toLower":
			params.Destination.SetField(field, strings.ToLower(value))

		case "toUpper":
			params.Destination.SetField(field, strings.ToUpper(value))

		case "warnIfEqual":
			if arg == value {
				logger.Warn("field has flagged value", "field", field, "value", value)
			}

		case "onlyIfNotEqual":
			if arg == value {
				params.Destination.DeleteField(field)
			}

		default:
			return fmt.Errorf("unsupported transform: %s", transform)
		}
	}

	return nil
}
