package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	ConfigFileEnvVar = "HBNSYNC_CONFIG"
	SecretsEnvVar    = "HBNSYNC_SECRETS"
	StudiesEnvVar    = "HBNSYNC_STUDIES"
)

// configOptions holds optional configuration for LoadConfigFromEnvironment.
type configOptions struct {
	fieldMapper FieldMapper
	configFile  string
	hasFile     bool
	env         CompositeEnvVar
}

// ConfigOption is a functional option for configuring LoadConfigFromEnvironment.
type ConfigOption func(*configOptions)

// ConfigWithFieldMapper sets the FieldMapper used to normalise mapping keys.
func ConfigWithFieldMapper(mapper FieldMapper) ConfigOption {
	return func(o *configOptions) {
		o.fieldMapper = mapper
	}
}

// ConfigWithFile overrides the file named by HBNSYNC_CONFIG.
func ConfigWithFile(name string) ConfigOption {
	return func(o *configOptions) {
		o.configFile = name
		o.hasFile = true
	}
}

// ConfigWithEnv replaces the variable lookup, mainly for tests.
func ConfigWithEnv(env CompositeEnvVar) ConfigOption {
	return func(o *configOptions) {
		o.env = env
	}
}

// DefaultEnv checks the JSON secrets variable before the process environment.
func DefaultEnv() CompositeEnvVar {
	return ChainedEnv{JSONCompositeEnvVar{Parent: SecretsEnvVar}, ProcessEnv{}}
}

// LoadConfigFromEnvironment layers required.yaml, defaults.yaml and the optional operator file,
// expanding ${VAR} references from the environment, then fills per-study tokens and
// applies the HBNSYNC_STUDIES selection.
func LoadConfigFromEnvironment(embeddedConfig EmbeddedConfig, opts ...ConfigOption) (Config, error) {
	mustBeInitialised()

	options := configOptions{fieldMapper: REDCapVariableMapper}
	for _, opt := range opts {
		opt(&options)
	}
	if options.env == nil {
		options.env = DefaultEnv()
	}
	if !options.hasFile {
		options.configFile, _ = options.env.LookupEnv(ConfigFileEnvVar)
	}

	var result Config
	if err := validateSecretsEnvVar(); err != nil {
		return result, err
	}

	requiredFile, err := embeddedConfig.MustFindRequiredConfigFile()
	if err != nil {
		return result, fmt.Errorf("failed to read required config file %w", err)
	}
	defaultsFile, err := embeddedConfig.MustFindDefaultsConfigFile()
	if err != nil {
		return result, fmt.Errorf("failed to read defaults config file %w", err)
	}
	operatorFile, err := ConfigFileFromPath(options.configFile)
	if err != nil {
		return result, fmt.Errorf("failed to read config file %s %w", options.configFile, err)
	}

	unmarshaler := YAMLConfigUnmarshaler{FieldMapper: options.fieldMapper}
	result, err = unmarshaler.Unmarshal(options.env, requiredFile, defaultsFile, operatorFile)
	if err != nil {
		return result, fmt.Errorf("failed to load config %w", err)
	}

	for i, s := range result.Studies {
		if s.REDCapToken == "" {
			result.Studies[i].REDCapToken, _ = options.env.LookupEnv(StudyTokenEnvVar(s.Name))
		}
	}

	if studies, ok := options.env.LookupEnv(StudiesEnvVar); ok && studies != "" {
		if err = result.SelectStudies(strings.Split(studies, ",")); err != nil {
			return result, fmt.Errorf("invalid %s %w", StudiesEnvVar, err)
		}
	}

	return result, nil
}

// validateSecretsEnvVar rejects a secrets variable that is set but not a JSON object of strings,
// since every lookup would otherwise silently fall through to the process environment.
func validateSecretsEnvVar() error {
	s := os.Getenv(SecretsEnvVar)
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return fmt.Errorf("%s must be a JSON object of strings %w", SecretsEnvVar, err)
	}
	return nil
}
