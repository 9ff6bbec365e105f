package sync

import (
	"fmt"
	"regexp"

	"github.com/iancoleman/strcase"
)

// REDCapVariableMapper normalises mapping keys to REDCap variable names,
// so "emailConsent" or "Email Consent" both become "email_consent".
var REDCapVariableMapper = redcapVariableMapper{}

type redcapVariableMapper struct {
}

// REDCap variable names are lower case letters, digits and underscores, starting with a letter.
var redcapVariablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const redcapVariableMaxLength = 100

func (rm redcapVariableMapper) ExpandFieldMappings(mappings *FieldMappings) error {
	var err error
	seen := make(map[string]string)
	if mappings.Strings != nil {
		mappings.Strings, err = rm.expandFieldType(mappings.Strings, seen)
	}
	if err == nil && mappings.Integers != nil {
		mappings.Integers, err = rm.expandFieldType(mappings.Integers, seen)
	}
	if err == nil && mappings.Decimals != nil {
		mappings.Decimals, err = rm.expandFieldType(mappings.Decimals, seen)
	}
	if err == nil && mappings.Booleans != nil {
		mappings.Booleans, err = rm.expandFieldType(mappings.Booleans, seen)
	}
	if err == nil && mappings.Dates != nil {
		mappings.Dates, err = rm.expandFieldType(mappings.Dates, seen)
	}
	return err
}

func (rm redcapVariableMapper) expandFieldType(fieldmappings map[string]string, seen map[string]string) (map[string]string, error) {
	result := make(map[string]string)
	for k, v := range fieldmappings {
		s := rm.VariableName(k)
		if err := ValidateREDCapVariable(s); err != nil {
			return result, err
		}
		if other, exists := seen[s]; exists {
			return result, fmt.Errorf("mapping keys %q and %q both map to REDCap variable %q", other, k, s)
		}
		seen[s] = k
		result[s] = v
	}
	return result, nil
}

func (rm redcapVariableMapper) VariableName(key string) string {
	return strcase.ToSnake(key)
}

// ValidateREDCapVariable checks a name against REDCap's variable naming rules.
func ValidateREDCapVariable(name string) error {
	if len(name) > redcapVariableMaxLength || !redcapVariablePattern.MatchString(name) {
		return fmt.Errorf("invalid REDCap variable name %q", name)
	}
	return nil
}
