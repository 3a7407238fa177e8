package rules

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"prio-governor/internal/logging"
	"prio-governor/internal/qos"
)

// fileDoc is the on-disk shape of one rule file.
type fileDoc struct {
	Types []typeDoc `yaml:"types"`
	Rules []ruleDoc `yaml:"rules"`
}

type typeDoc struct {
	Name        string    `yaml:"name"`
	Nice        yamlRange `yaml:"nice"`
	LatencyNice yamlRange `yaml:"latency_nice"`
	IOClass     string    `yaml:"ionice_class"`
	IOLevel     yamlRange `yaml:"ionice_level"`
	CPUWeight   yamlRange `yaml:"cgroup_cpu_weight"`
}

type matchDoc struct {
	Name      string            `yaml:"name"`
	Exe       string            `yaml:"exe"`
	Cmdline   stringList        `yaml:"cmdline"`
	Parent    string            `yaml:"parent"`
	Cgroup    string            `yaml:"cgroup"`
	User      string            `yaml:"user"`
	Container string            `yaml:"container"`
	Env       map[string]string `yaml:"env"`
}

type overridesDoc struct {
	Nice        *int   `yaml:"nice"`
	LatencyNice *int   `yaml:"latency_nice"`
	IOClass     string `yaml:"ionice_class"`
	IOLevel     *int   `yaml:"ionice_level"`
	CPUWeight   *int   `yaml:"cgroup_cpu_weight"`
}

type ruleDoc struct {
	Name      string       `yaml:"name"`
	Priority  int          `yaml:"priority"`
	Match     matchDoc     `yaml:"match"`
	Type      string       `yaml:"type"`
	Tags      []string     `yaml:"tags"`
	Overrides overridesDoc `yaml:"overrides"`
}

// yamlRange accepts a scalar (a point), a two element sequence or a
// {min, max} mapping.
type yamlRange struct {
	qos.Range
}

func (r *yamlRange) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v int
		if err := node.Decode(&v); err != nil {
			return err
		}
		r.Range = qos.NewRange(v, v)
	case yaml.SequenceNode:
		var vs []int
		if err := node.Decode(&vs); err != nil {
			return err
		}
		if len(vs) != 2 {
			return fmt.Errorf("line %d: range needs exactly two values, got %d", node.Line, len(vs))
		}
		r.Range = qos.NewRange(vs[0], vs[1])
	case yaml.MappingNode:
		var m struct {
			Min int `yaml:"min"`
			Max int `yaml:"max"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		r.Range = qos.NewRange(m.Min, m.Max)
	default:
		return fmt.Errorf("line %d: unsupported range syntax", node.Line)
	}
	return nil
}

// stringList accepts either a single string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = stringList{node.Value}
		return nil
	}
	var vs []string
	if err := node.Decode(&vs); err != nil {
		return err
	}
	*s = vs
	return nil
}

// Load reads every layer directory and builds a validated RuleSet. Missing
// directories are treated as empty layers. Any malformed file, dangling type
// reference or invalid range rejects the whole load.
func Load(dirs map[Layer]string, order []Layer) (*RuleSet, error) {
	logger := logging.GetLogger()
	if len(order) == 0 {
		order = DefaultLayerOrder
	}

	var (
		types []BehaviorType
		rules []Rule
	)
	typeLayer := make(map[string]int)

	// Lowest precedence first, so a type redefined by a higher layer replaces
	// the earlier definition.
	for i := len(order) - 1; i >= 0; i-- {
		layer := order[i]
		dir := dirs[layer]
		if dir == "" {
			continue
		}
		files, err := ruleFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			ft, fr, err := loadFile(path, layer)
			if err != nil {
				return nil, err
			}
			for _, t := range ft {
				if prev, ok := typeLayer[t.Name]; ok {
					if prev == i {
						return nil, &LoadError{Path: path, Reason: fmt.Sprintf("type %s defined twice in layer %s", t.Name, layer)}
					}
					types = removeType(types, t.Name)
				}
				typeLayer[t.Name] = i
				types = append(types, t)
			}
			rules = append(rules, fr...)
		}
		logger.WithFields(logrus.Fields{
			"layer": layer,
			"path":  dir,
			"files": len(files),
		}).Debug("Loaded rule layer")
	}

	return NewRuleSet(types, rules, order)
}

// LoadFile parses a single file as the given layer. It is used by the
// validate command and by tests.
func LoadFile(path string, layer Layer) (*RuleSet, error) {
	types, rules, err := loadFile(path, layer)
	if err != nil {
		return nil, err
	}
	return NewRuleSet(types, rules, nil)
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read rule directory %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func loadFile(path string, layer Layer) ([]BehaviorType, []Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read rule file %s", path)
	}

	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, nil, &LoadError{Path: path, Reason: errors.Wrap(err, "parse").Error()}
	}

	types := make([]BehaviorType, 0, len(doc.Types))
	for i, td := range doc.Types {
		t := BehaviorType{
			Name:        td.Name,
			Nice:        td.Nice.Range,
			LatencyNice: td.LatencyNice.Range,
			IOLevel:     td.IOLevel.Range,
			CPUWeight:   td.CPUWeight.Range,
			Source:      Source{Path: path, Index: i},
		}
		if td.IOClass != "" {
			c, err := qos.ParseIOClass(td.IOClass)
			if err != nil {
				return nil, nil, &LoadError{Path: path, Reason: fmt.Sprintf("type %s: %v", td.Name, err)}
			}
			t.IOClass = &c
		}
		types = append(types, t)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		r := Rule{
			Name:     rd.Name,
			Layer:    layer,
			Priority: rd.Priority,
			Match: Match{
				Name:      rd.Match.Name,
				Exe:       rd.Match.Exe,
				Cmdline:   []string(rd.Match.Cmdline),
				Parent:    rd.Match.Parent,
				Cgroup:    rd.Match.Cgroup,
				User:      rd.Match.User,
				Container: rd.Match.Container,
				Env:       rd.Match.Env,
			},
			Type:   rd.Type,
			Tags:   rd.Tags,
			Source: Source{Path: path, Index: i},
			Overrides: qos.Overrides{
				Nice:        rd.Overrides.Nice,
				LatencyNice: rd.Overrides.LatencyNice,
				IOLevel:     rd.Overrides.IOLevel,
				CPUWeight:   rd.Overrides.CPUWeight,
			},
		}
		if rd.Overrides.IOClass != "" {
			c, err := qos.ParseIOClass(rd.Overrides.IOClass)
			if err != nil {
				return nil, nil, &LoadError{Path: path, Rule: r.ID(), Reason: err.Error()}
			}
			r.Overrides.IOClass = &c
		}
		rules = append(rules, r)
	}
	return types, rules, nil
}

func removeType(types []BehaviorType, name string) []BehaviorType {
	out := types[:0]
	for _, t := range types {
		if t.Name != name {
			out = append(out, t)
		}
	}
	return out
}
