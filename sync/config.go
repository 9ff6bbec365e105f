package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/config"
)

type Config struct {
	API             APISettings
	Studies         []Study
	Ripple          RippleSettings
	REDCap          REDCapSettings
	FieldMappings   FieldMappings
	FieldTransforms map[string]string
	Run             RunSettings
	Lock            LockSettings
	Metrics         MetricsSettings
}

type APISettings struct {
	Ripple struct {
		Endpoint string
		Token    string
	}
	REDCap struct {
		Endpoint string
	}
}

// Study is one Ripple study paired with the REDCap project it feeds.
type Study struct {
	Name        string
	RippleID    string `yaml:"rippleId"`
	REDCapToken string `yaml:"redcapToken"`
}

type RippleSettings struct {
	ExportWindow time.Duration `yaml:"exportWindow"`
	Columns      []string
	IDPath       string `yaml:"idPath"`
	VersionPath  string `yaml:"versionPath"`
	Flag         struct {
		Path        string
		SendValue   string `yaml:"sendValue"`
		SyncedValue string `yaml:"syncedValue"`
	}
}

type REDCapSettings struct {
	RecordIDField string `yaml:"recordIdField"`
	SourceIDField string `yaml:"sourceIdField"`
	VersionField  string `yaml:"versionField"`
	BatchSize     int    `yaml:"batchSize"`
}

type RunSettings struct {
	CallTimeout time.Duration `yaml:"callTimeout"`
	Concurrency int
	ExitPolicy  ExitPolicy `yaml:"exitPolicy"`
	Interval    time.Duration
	Retry       RetrySettings
	Breaker     BreakerSettings
}

type RetrySettings struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

type BreakerSettings struct {
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
}

type LockSettings struct {
	Backend        string
	Path           string
	Name           string
	MaxRunDuration time.Duration `yaml:"maxRunDuration"`
}

type MetricsSettings struct {
	Namespace   string
	Textfile    string
	Pushgateway string
}

type FieldMappings struct {
	Strings  map[string]string
	Integers map[string]string
	Decimals map[string]string
	Booleans map[string]string
	Dates    map[string]string
}

func (m FieldMappings) AllKeys() []string {
	var result []string
	result = append(result, FieldMapsKeys(m.Strings)...)
	result = append(result, FieldMapsKeys(m.Integers)...)
	result = append(result, FieldMapsKeys(m.Decimals)...)
	result = append(result, FieldMapsKeys(m.Booleans)...)
	result = append(result, FieldMapsKeys(m.Dates)...)
	return result
}

func (m FieldMappings) AllValues() []string {
	var result []string
	result = append(result, FieldMapsValues(m.Strings)...)
	result = append(result, FieldMapsValues(m.Integers)...)
	result = append(result, FieldMapsValues(m.Decimals)...)
	result = append(result, FieldMapsValues(m.Booleans)...)
	result = append(result, FieldMapsValues(m.Dates)...)
	return result
}

// FieldType returns the REDCap validation type a variable is rendered as.
func (m FieldMappings) FieldType(key string) FieldType {
	if _, exists := m.Strings[key]; exists {
		return String
	}
	if _, exists := m.Integers[key]; exists {
		return Integer
	}
	if _, exists := m.Decimals[key]; exists {
		return Decimal
	}
	if _, exists := m.Booleans[key]; exists {
		return Boolean
	}
	if _, exists := m.Dates[key]; exists {
		return Date
	}
	return Unknown
}

func FieldMapsKeys(m map[string]string) []string {
	result := make([]string, len(m))
	i := 0
	for k := range m {
		result[i] = k
		i++
	}
	return result
}

func FieldMapsValues(m map[string]string) []string {
	result := make([]string, len(m))
	i := 0
	for _, v := range m {
		result[i] = v
		i++
	}
	return result
}

type FieldType int64

const (
	Unknown FieldType = iota
	String
	Integer
	Decimal
	Boolean
	Date
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "text"
	case Integer:
		return "integer"
	case Decimal:
		return "number"
	case Boolean:
		return "yesno"
	case Date:
		return "date_ymd"
	default:
		return "unknown"
	}
}

type CompositeEnvVar interface {
	LookupEnv(child string) (string, bool)
}

// JSONCompositeEnvVar reads children of a JSON object held in a single env var,
// which is how the secret manager injects tokens.
type JSONCompositeEnvVar struct {
	Parent string
}

func (c JSONCompositeEnvVar) LookupEnv(child string) (string, bool) {
	if c.Parent != "" {
		s := os.Getenv(c.Parent)
		if s != "" {
			m := make(map[string]string)
			err := json.Unmarshal([]byte(s), &m)
			if err == nil {
				v, exists := m[child]
				return v, exists
			}
		}
	}
	return "", false
}

// ProcessEnv looks variables up in the process environment.
type ProcessEnv struct{}

func (ProcessEnv) LookupEnv(child string) (string, bool) {
	return os.LookupEnv(child)
}

// ChainedEnv returns the first hit across its members.
type ChainedEnv []CompositeEnvVar

func (c ChainedEnv) LookupEnv(child string) (string, bool) {
	for _, e := range c {
		if v, ok := e.LookupEnv(child); ok {
			return v, true
		}
	}
	return "", false
}

type YAMLConfigUnmarshaler struct {
	FieldMapper FieldMapper
}

// FieldMapper rewrites mapping keys into valid target variable names.
type FieldMapper interface {
	ExpandFieldMappings(mappings *FieldMappings) error
	VariableName(key string) string
}

func (u YAMLConfigUnmarshaler) Unmarshal(compev CompositeEnvVar, sources ...ConfigFile) (Config, error) {
	var result Config
	var options []config.YAMLOption
	for _, s := range sources {
		if s.Length > 0 {
			options = append(options, config.Source(s.Reader))
		}
	}
	options = append(options, config.Expand(compev.LookupEnv))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml config %w", err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml config %w", key, cause)
	}
	targets := []struct {
		key      string
		target   interface{}
		optional bool
	}{
		{"api", &result.API, false},
		{"studies", &result.Studies, false},
		{"ripple", &result.Ripple, false},
		{"redcap", &result.REDCap, false},
		{"fieldMappings", &result.FieldMappings, false},
		{"fieldTransforms", &result.FieldTransforms, true},
		{"run", &result.Run, false},
		{"lock", &result.Lock, false},
		{"metrics", &result.Metrics, true},
	}
	for _, t := range targets {
		if t.optional && !yaml.Get(t.key).HasValue() {
			continue
		}
		if err = yaml.Get(t.key).Populate(t.target); err != nil {
			return result, readError(t.key, err)
		}
	}

	if u.FieldMapper != nil {
		if err = u.FieldMapper.ExpandFieldMappings(&result.FieldMappings); err != nil {
			return result, err
		}
		transforms := make(map[string]string, len(result.FieldTransforms))
		for k, v := range result.FieldTransforms {
			transforms[u.FieldMapper.VariableName(k)] = v
		}
		result.FieldTransforms = transforms
	}

	return result, nil
}

// StudyByName returns the configured study with the given name.
func (c Config) StudyByName(name string) (Study, bool) {
	for _, s := range c.Studies {
		if s.Name == name {
			return s, true
		}
	}
	return Study{}, false
}

// SelectStudies keeps only the named studies, in the given order.
func (c *Config) SelectStudies(names []string) error {
	var selected []Study
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		s, ok := c.StudyByName(n)
		if !ok {
			return fmt.Errorf("study %q is not configured", n)
		}
		selected = append(selected, s)
	}
	if len(selected) > 0 {
		c.Studies = selected
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.API.Ripple.Endpoint == "" {
		errs = append(errs, errors.New("ripple endpoint is required (RIPPLE_HOST)"))
	}
	if c.API.Ripple.Token == "" {
		errs = append(errs, errors.New("ripple token is required (RIPPLE_TOKEN)"))
	}
	if c.API.REDCap.Endpoint == "" {
		errs = append(errs, errors.New("redcap endpoint is required (REDCAP_HOST)"))
	}
	if len(c.Studies) == 0 {
		errs = append(errs, errors.New("at least one study must be configured"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Studies {
		if s.Name == "" {
			errs = append(errs, errors.New("study name must not be empty"))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate study %q", s.Name))
		}
		seen[s.Name] = true
		if s.RippleID == "" {
			errs = append(errs, fmt.Errorf("study %q is missing its ripple id", s.Name))
		}
		if s.REDCapToken == "" {
			errs = append(errs, fmt.Errorf("study %q is missing its redcap token (%s)", s.Name, StudyTokenEnvVar(s.Name)))
		}
	}
	if c.Ripple.IDPath == "" || c.Ripple.Flag.Path == "" || c.Ripple.Flag.SendValue == "" || c.Ripple.Flag.SyncedValue == "" {
		errs = append(errs, errors.New("ripple idPath and flag path/sendValue/syncedValue are required"))
	}
	for _, v := range []string{c.REDCap.RecordIDField, c.REDCap.SourceIDField} {
		if err := ValidateREDCapVariable(v); err != nil {
			errs = append(errs, err)
		}
	}
	if c.REDCap.VersionField != "" {
		if err := ValidateREDCapVariable(c.REDCap.VersionField); err != nil {
			errs = append(errs, err)
		}
	}
	for _, k := range c.FieldMappings.AllKeys() {
		if err := ValidateREDCapVariable(k); err != nil {
			errs = append(errs, err)
		}
	}
	for field := range c.FieldTransforms {
		if c.FieldMappings.FieldType(field) == Unknown {
			errs = append(errs, fmt.Errorf("invalid transform, field %s does not exist", field))
		}
	}
	switch c.Lock.Backend {
	case LockBackendFile, LockBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported lock backend %q", c.Lock.Backend))
	}
	if c.Lock.Path == "" {
		errs = append(errs, errors.New("lock path is required (HBNSYNC_LOCK_PATH)"))
	}
	if c.Lock.MaxRunDuration <= 0 {
		errs = append(errs, errors.New("lock maxRunDuration must be positive"))
	}
	if _, err := ParseExitPolicy(string(c.Run.ExitPolicy)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StudyTokenEnvVar is the env var holding the REDCap token for a study,
// e.g. "HBN - Main" reads REDCAP_TOKEN_HBN_MAIN.
func StudyTokenEnvVar(study string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToUpper(study) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	return "REDCAP_TOKEN_" + strings.TrimSuffix(b.String(), "_")
}
