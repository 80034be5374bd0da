package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashworks/aur-ci/model"
	"gopkg.in/yaml.v3"
)

type AurPackageSettings struct {
	Name    string                      `yaml:"name"`
	Env     []model.EnvironmentVariable `yaml:"env"`
	Options string                      `yaml:"options"`
}

type GitPackageSettings struct {
	Source    string                      `yaml:"source"`
	Subfolder string                      `yaml:"subfolder"`
	Env       []model.EnvironmentVariable `yaml:"env"`
	Options   string                      `yaml:"options"`
}

// PackageList is the on-disk format of the tracked package list.
type PackageList struct {
	AurPackages []AurPackageSettings `yaml:"aur_packages"`
	GitPackages []GitPackageSettings `yaml:"git_packages"`
}

func LoadPackages(path string) ([]model.PackageConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	packages, err := ParsePackages(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return packages, nil
}

// ParsePackages decodes and validates a package list. AUR packages come first, in file order.
func ParsePackages(r io.Reader) ([]model.PackageConfig, error) {
	var list PackageList
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode package list: %w", err)
	}

	packages := make([]model.PackageConfig, 0, len(list.AurPackages)+len(list.GitPackages))
	for _, pkg := range list.AurPackages {
		packages = append(packages, model.PackageConfig{
			Kind:        model.PACKAGE_KIND_AUR,
			Name:        pkg.Name,
			Options:     pkg.Options,
			Environment: pkg.Env,
		})
	}
	for _, pkg := range list.GitPackages {
		packages = append(packages, model.PackageConfig{
			Kind:        model.PACKAGE_KIND_GIT,
			Source:      pkg.Source,
			Subfolder:   pkg.Subfolder,
			Options:     pkg.Options,
			Environment: pkg.Env,
		})
	}

	seen := make(map[string]struct{}, len(packages))
	for i, pkg := range packages {
		if err := pkg.Validate(); err != nil {
			return nil, fmt.Errorf("%s package #%d: %w", pkg.Kind, i+1, err)
		}
		key := pkg.Kind.String() + ":" + pkg.String()
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("duplicate %s package %s", pkg.Kind, pkg)
		}
		seen[key] = struct{}{}
	}

	return packages, nil
}
