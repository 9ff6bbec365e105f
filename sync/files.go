package sync

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
)

type ConfigFile struct {
	Name   string
	Reader io.Reader
	Length int
}

// EmbeddedConfig locates the config layers compiled into the binary.
type EmbeddedConfig struct {
	Root  string
	Files EmbeddedFS
}

type EmbeddedFS interface {
	Open(name string) (fs.File, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
}

func (ec EmbeddedConfig) MustFindRootConfigFile(filename string) (ConfigFile, error) {
	var result ConfigFile
	name := path.Join(ec.Root, filename)
	b, err := ec.Files.ReadFile(name)
	if err == nil {
		result.Name = name
		result.Reader = bytes.NewReader(b)
		result.Length = len(b)
	}
	return result, err
}

func (ec EmbeddedConfig) MustFindRequiredConfigFile() (ConfigFile, error) {
	return ec.MustFindRootConfigFile("required.yaml")
}

func (ec EmbeddedConfig) MustFindDefaultsConfigFile() (ConfigFile, error) {
	return ec.MustFindRootConfigFile("defaults.yaml")
}

// ConfigFileFromPath reads an operator supplied override file.
// An empty name yields an empty file, which the unmarshaler skips.
func ConfigFileFromPath(name string) (ConfigFile, error) {
	var result ConfigFile
	if name == "" {
		return result, nil
	}
	b, err := os.ReadFile(name)
	if err == nil {
		result.Name = name
		result.Reader = bytes.NewReader(b)
		result.Length = len(b)
	}
	return result, err
}
