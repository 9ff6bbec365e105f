package sync

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/tidwall/gjson"
	"github.com/ttacon/libphonenumber"
)

// registerModifiers adds the gjson modifiers usable in field mapping paths,
// e.g. `contacts.#(contactType=="phone").information|@phone:1`.
func registerModifiers() {

	gjson.AddModifier("contains", func(json, arg string) string {
		res := gjson.Parse(json)
		if res.IsArray() {
			values := res.Array()
			for _, v := range values {
				if strings.Contains(v.String(), arg) {
					return fmt.Sprintf("%t", true)
				}
			}
			return fmt.Sprintf("%t", false)
		}
		return fmt.Sprintf("%t", strings.Contains(res.String(), arg))
	})

	// phone formats a number as E.164, arg is the calling code assumed for national numbers
	gjson.AddModifier("phone", func(json, arg string) string {
		number := strings.Trim(gjson.Parse(json).String(), `"`)
		if number == "" {
			return ""
		}
		region := "US"
		if i, err := strconv.Atoi(arg); err == nil {
			region = libphonenumber.GetRegionCodeForCountryCode(i)
		}
		num, err := libphonenumber.Parse(number, region)
		if err != nil {
			slog.Warn("failed to parse phone number", "number", number, "country_code", arg, "error", err)
			return ""
		}
		return fmt.Sprintf(`"%s"`, libphonenumber.Format(num, libphonenumber.E164))
	})

	gjson.AddModifier("countryName", func(json, arg string) string {
		s := gjson.Parse(json).String()
		c := countries.ByName(s) // will match on Alpha-2 / Alpha-3 / Name
		if countries.Unknown == c {
			return ""
		}
		return fmt.Sprintf(`"%s"`, c.String()) // returns Country Name
	})

	gjson.AddModifier("now", func(json, arg string) string {
		return fmt.Sprintf(`"%s"`, time.Now().UTC().Format(REDCapDateFormat))
	})

	gjson.AddModifier("gte", func(json, arg string) string {
		res := gjson.Parse(json)
		if !res.Exists() || arg == "" {
			return ""
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%t", res.Float() >= f)
	})

	gjson.AddModifier("first", func(json, arg string) string {
		res := gjson.Parse(json)
		if res.IsArray() {
			values := res.Array()
			if len(values) == 0 {
				return ""
			}
			return values[0].Raw
		}
		return json
	})
}
