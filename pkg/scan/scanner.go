// Package scan inspects a workspace directory and returns a ranked list of
// detected technologies with a recommended port range. Only top-level entries
// are considered; no recursion.
package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/omayhemo/debughost/pkg/apperr"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Detection is one ranked tech candidate.
type Detection struct {
	Tech       string   `json:"tech"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// Metadata is what we could read out of the project's own manifest.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Result is the full scanner output for one workspace.
type Result struct {
	Technologies []Detection      `json:"technologies"`
	Metadata     Metadata         `json:"metadata"`
	PortRange    config.PortRange `json:"port_recommendation"`
}

// PrimaryTech is the top-ranked tech, or "unknown" for a workspace with no
// matches.
func (r Result) PrimaryTech() string {
	if len(r.Technologies) == 0 {
		return "unknown"
	}
	return r.Technologies[0].Tech
}

// Scanner detects tech stacks in workspace directories.
type Scanner struct {
	Log    *logrus.Entry
	Config *config.UserConfig
}

// NewScanner returns a new Scanner.
func NewScanner(log *logrus.Entry, userConfig *config.UserConfig) *Scanner {
	return &Scanner{Log: log, Config: userConfig}
}

// Scan enumerates the top level of path and accumulates confidence per tech
// pattern. package.json / pyproject.toml, when parseable, contribute project
// metadata and dependency-based framework boosts. Confidence caps at 100.
func (s *Scanner) Scan(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, apperr.Newf(apperr.InvalidWorkspace, "workspace %s does not exist", path)
		}
		return Result{}, apperr.Wrap(err, apperr.InvalidWorkspace, "inspecting workspace "+path)
	}
	if !info.IsDir() {
		return Result{}, apperr.Newf(apperr.InvalidWorkspace, "workspace %s is not a directory", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, apperr.Wrap(err, apperr.InvalidWorkspace, "reading workspace "+path)
	}

	files := map[string]bool{}
	dirs := map[string]bool{}
	extensions := map[string]int{}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs[entry.Name()] = true
			continue
		}
		files[entry.Name()] = true
		if ext := filepath.Ext(entry.Name()); ext != "" {
			extensions[strings.ToLower(ext)]++
		}
	}

	scores := map[string]*Detection{}
	bump := func(tech string, amount float64, evidence string) {
		det, ok := scores[tech]
		if !ok {
			det = &Detection{Tech: tech}
			scores[tech] = det
		}
		det.Confidence += amount
		det.Evidence = append(det.Evidence, evidence)
	}

	deps := map[string]bool{}
	meta := Metadata{}
	if files["package.json"] {
		meta, deps = readPackageManifest(s.Log, filepath.Join(path, "package.json"))
	} else if files["pyproject.toml"] {
		meta = readPyprojectManifest(s.Log, filepath.Join(path, "pyproject.toml"))
	}

	for tech, p := range patterns {
		for _, name := range p.Files {
			if files[name] {
				bump(tech, p.Weight*fileFactor, "file:"+name)
			}
		}
		for _, name := range p.Dirs {
			if dirs[name] {
				bump(tech, p.Weight*dirFactor, "dir:"+name)
			}
		}
		for _, ext := range p.Extensions {
			if n := extensions[ext]; n > 0 {
				bump(tech, p.Weight*extFactor, fmt.Sprintf("ext:%s x%d", ext, n))
			}
		}
		for _, dep := range p.Dependencies {
			if deps[dep] {
				bump(tech, p.Weight*depFactor, "dependency:"+dep)
			}
		}
	}

	technologies := lo.MapToSlice(scores, func(_ string, det *Detection) Detection {
		if det.Confidence > 100 {
			det.Confidence = 100
		}
		return *det
	})
	sort.Slice(technologies, func(i, j int) bool {
		if technologies[i].Confidence != technologies[j].Confidence {
			return technologies[i].Confidence > technologies[j].Confidence
		}
		return technologies[i].Tech < technologies[j].Tech
	})

	result := Result{Technologies: technologies, Metadata: meta}
	result.PortRange = s.Config.RangeFor(result.PrimaryTech())

	s.Log.WithFields(logrus.Fields{"workspace": path, "primary": result.PrimaryTech()}).Debug("workspace scanned")

	return result, nil
}

type packageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func readPackageManifest(log *logrus.Entry, path string) (Metadata, map[string]bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Warn("could not read package.json")
		return Metadata{}, nil
	}

	var manifest packageJSON
	if err := json.Unmarshal(content, &manifest); err != nil {
		// an unparseable manifest degrades the scan, it does not fail it
		log.WithError(err).Warn("could not parse package.json")
		return Metadata{}, nil
	}

	deps := map[string]bool{}
	for name := range manifest.Dependencies {
		deps[name] = true
	}
	for name := range manifest.DevDependencies {
		deps[name] = true
	}

	return Metadata{Name: manifest.Name, Version: manifest.Version, Description: manifest.Description}, deps
}

type pyprojectTOML struct {
	Project struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"project"`
}

func readPyprojectManifest(log *logrus.Entry, path string) Metadata {
	var manifest pyprojectTOML
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		log.WithError(err).Warn("could not parse pyproject.toml")
		return Metadata{}
	}
	return Metadata{
		Name:        manifest.Project.Name,
		Version:     manifest.Project.Version,
		Description: manifest.Project.Description,
	}
}
