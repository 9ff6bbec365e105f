package sync

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
)

// FieldDocRow represents a single row in the field mapping documentation.
type FieldDocRow struct {
	Variable   string // REDCap variable name (e.g. "email_consent")
	FieldType  string // REDCap validation type (text, integer, yesno, ...)
	SourcePath string // Ripple source path
	Notes      string // Mapping notes (transforms, static values, generated fields)
}

// FieldDocumentation describes every variable the engine writes to REDCap.
type FieldDocumentation struct {
	Studies []string
	Rows    []FieldDocRow
}

// GenerateFieldDocumentation generates field documentation from a configuration.
func GenerateFieldDocumentation(config Config) FieldDocumentation {
	doc := FieldDocumentation{Rows: []FieldDocRow{}}
	for _, s := range config.Studies {
		doc.Studies = append(doc.Studies, s.Name)
	}

	add := func(mappings map[string]string, fieldtype FieldType) {
		for _, variable := range sortedKeys(mappings) {
			doc.Rows = append(doc.Rows, createFieldDocRow(variable, mappings[variable], fieldtype, config.FieldTransforms))
		}
	}
	add(config.FieldMappings.Strings, String)
	add(config.FieldMappings.Integers, Integer)
	add(config.FieldMappings.Decimals, Decimal)
	add(config.FieldMappings.Booleans, Boolean)
	add(config.FieldMappings.Dates, Date)

	sort.SliceStable(doc.Rows, func(i, j int) bool {
		return doc.Rows[i].Variable < doc.Rows[j].Variable
	})

	// generated variables go last
	doc.Rows = append(doc.Rows, FieldDocRow{
		Variable:   config.REDCap.SourceIDField,
		FieldType:  String.String(),
		SourcePath: config.Ripple.IDPath,
		Notes:      "Links the record to its Ripple participant",
	})
	if config.REDCap.VersionField != "" {
		path := config.Ripple.VersionPath
		if path == "" {
			path = "(row hash)"
		}
		doc.Rows = append(doc.Rows, FieldDocRow{
			Variable:   config.REDCap.VersionField,
			FieldType:  String.String(),
			SourcePath: path,
			Notes:      "Ripple version at last sync, falls back to a hash of the row",
		})
	}

	return doc
}

// sortedKeys returns the keys of a map[string]string in sorted order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// createFieldDocRow creates a FieldDocRow from field mapping data.
func createFieldDocRow(variable string, sourcepathwithmodifiers string, fieldtype FieldType, transforms map[string]string) FieldDocRow {
	row := FieldDocRow{
		Variable:  variable,
		FieldType: fieldtype.String(),
	}

	var notes []string
	if len(sourcepathwithmodifiers) >= 2 && sourcepathwithmodifiers[0] == '`' && sourcepathwithmodifiers[len(sourcepathwithmodifiers)-1] == '`' {
		row.SourcePath = "(static)"
		notes = append(notes, fmt.Sprintf("Always %q", sourcepathwithmodifiers[1:len(sourcepathwithmodifiers)-1]))
	} else {
		sourcePath, modifiers := parseSourcePath(sourcepathwithmodifiers)
		row.SourcePath = sourcePath
		for _, modifier := range modifiers {
			notes = append(notes, formatTransformNote(modifier))
		}
	}

	if transform, exists := transforms[variable]; exists {
		notes = append(notes, formatTransformNote(transform))
	}

	row.Notes = strings.Join(notes, " | ")
	return row
}

// parseSourcePath extracts the source path and inline modifiers from a mapping value.
// e.g., "address.country|@countryName" -> ("address.country", ["@countryName"])
func parseSourcePath(value string) (string, []string) {
	if value == "" {
		return "(computed)", nil
	}

	parts := strings.Split(value, "|")
	sourcePath := parts[0]
	var modifiers []string

	for i := 1; i < len(parts); i++ {
		if strings.HasPrefix(parts[i], "@") {
			modifiers = append(modifiers, parts[i])
		}
	}

	return sourcePath, modifiers
}

// formatTransformNote formats a transform or modifier into a human-readable note.
func formatTransformNote(transform string) string {
	switch {
	case transform == "required":
		return "Required, the record fails without it"
	case transform == "warnIfEqual:":
		return "Warns if empty"
	case strings.HasPrefix(transform, "warnIfEqual:"):
		return fmt.Sprintf("Warns if %q", strings.TrimPrefix(transform, "warnIfEqual:"))
	case transform == "onlyIfNotEqual:":
		return "Only syncs if not empty"
	case strings.HasPrefix(transform, "onlyIfNotEqual:"):
		return fmt.Sprintf("Only syncs if not %q", strings.TrimPrefix(transform, "onlyIfNotEqual:"))
	case transform == "toLower":
		return "Converts to lowercase"
	case transform == "toUpper":
		return "Converts to uppercase"
	case strings.HasPrefix(transform, "@countryName"):
		return "Uses @countryName modifier"
	case strings.HasPrefix(transform, "@phone:"):
		return fmt.Sprintf("Uses @phone:%s modifier", strings.TrimPrefix(transform, "@phone:"))
	case strings.HasPrefix(transform, "@gte:"):
		return fmt.Sprintf("Uses @gte:%s modifier", strings.TrimPrefix(transform, "@gte:"))
	case strings.HasPrefix(transform, "@contains:"):
		return fmt.Sprintf("Uses @contains:%s modifier", strings.TrimPrefix(transform, "@contains:"))
	case transform == "@first":
		return "Uses the first element"
	case transform == "@now":
		return "Uses @now modifier"
	default:
		return fmt.Sprintf("Transform: %s", transform)
	}
}

// FormatCSV formats the field documentation as CSV.
func (d FieldDocumentation) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{fmt.Sprintf("# Studies: %s", strings.Join(d.Studies, ", "))}); err != nil {
		return "", err
	}
	if err := writer.Write([]string{"REDCap Variable", "REDCap Field Type", "Ripple Source Path", "Mapping Notes"}); err != nil {
		return "", err
	}
	for _, row := range d.Rows {
		if err := writer.Write([]string{row.Variable, row.FieldType, row.SourcePath, row.Notes}); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}

	return buf.String(), nil
}
