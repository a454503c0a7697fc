package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/maltedev/metro-scraper/internal/models"
	"gopkg.in/yaml.v3"
)

const DefaultCategory = "chaj-kofe-kakao/kofe/kofe-v-zernakh?in_stock=1"

func DefaultCities() []string {
	return []string{"Санкт-Петербург", "Москва"}
}

// TargetsFile is the YAML layout of SCRAPER_TARGETS_FILE. Explicit targets
// come first, then every city paired with every category.
type TargetsFile struct {
	Targets    []models.Target `yaml:"targets"`
	Cities     []string        `yaml:"cities"`
	Categories []string        `yaml:"categories"`
	ParseBrand *bool           `yaml:"parse_brand"`
}

// Expand returns the targets in scrape order.
func (f *TargetsFile) Expand() []models.Target {
	out := make([]models.Target, 0, len(f.Targets)+len(f.Cities)*len(f.Categories))
	out = append(out, f.Targets...)
	out = append(out, CrossTargets(f.Cities, f.Categories)...)
	return out
}

// CrossTargets pairs every city with every category, city-major.
func CrossTargets(cities, categories []string) []models.Target {
	out := make([]models.Target, 0, len(cities)*len(categories))
	for _, city := range cities {
		for _, category := range categories {
			out = append(out, models.Target{City: city, Category: category})
		}
	}
	return out
}

func ParseTargets(data []byte) (*TargetsFile, error) {
	var f TargetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse targets: %w", err)
	}

	if len(f.Targets) == 0 && (len(f.Cities) == 0 || len(f.Categories) == 0) {
		return nil, errors.New("targets file defines no targets")
	}

	if err := ValidateTargets(f.Expand()); err != nil {
		return nil, err
	}

	return &f, nil
}

func LoadTargets(path string) (*TargetsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	return ParseTargets(data)
}

// TargetSet is the resolved scrape order plus the targets file's
// parse_brand, nil when the file has none or no file is configured.
type TargetSet struct {
	Targets        []models.Target
	FileParseBrand *bool
}

// ParseBrand picks the effective brand setting: a value pinned on the
// command line wins, then the targets file, then configured.
func (s *TargetSet) ParseBrand(configured, pinned bool) bool {
	if pinned || s.FileParseBrand == nil {
		return configured
	}
	return *s.FileParseBrand
}

// Targets resolves what to scrape: the targets file when configured,
// otherwise the configured cities crossed with the configured categories.
func (c *Config) Targets() (*TargetSet, error) {
	if c.Scraper.TargetsFile == "" {
		targets := CrossTargets(c.Scraper.Cities, c.Scraper.Categories)
		if len(targets) == 0 {
			return nil, errors.New("no cities or categories configured")
		}
		if err := ValidateTargets(targets); err != nil {
			return nil, err
		}
		return &TargetSet{Targets: targets}, nil
	}

	f, err := LoadTargets(c.Scraper.TargetsFile)
	if err != nil {
		return nil, err
	}
	return &TargetSet{Targets: f.Expand(), FileParseBrand: f.ParseBrand}, nil
}

func ValidateTargets(targets []models.Target) error {
	for i, t := range targets {
		if errs := t.Validate(); len(errs) > 0 {
			return fmt.Errorf("target %d: %s", i+1, strings.Join(errs, ", "))
		}
	}
	return nil
}
