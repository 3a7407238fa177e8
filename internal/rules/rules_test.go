package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prio-governor/internal/qos"
	"prio-governor/internal/telemetry"
)

func writeRuleFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const vendorTypes = `
types:
  - name: Game
    nice: [-10, -5]
    latency_nice: [-15, -10]
    ionice_class: best-effort
    ionice_level: [0, 2]
    cgroup_cpu_weight: [200, 400]
  - name: BG_CPUIO
    nice: [10, 19]
    latency_nice: 19
    ionice_class: idle
    cgroup_cpu_weight: {min: 10, max: 50}
  - name: Player
    latency_nice: [-10, -5]
`

func TestLoadLayerPrecedence(t *testing.T) {
	root := t.TempDir()
	vendor := filepath.Join(root, "vendor")
	user := filepath.Join(root, "user")
	writeRuleFile(t, vendor, "00-types.yaml", vendorTypes)
	writeRuleFile(t, vendor, "10-games.yaml", `
rules:
  - name: steam-game
    priority: 100
    match: {name: hl2_linux}
    type: Game
    tags: [game]
`)
	writeRuleFile(t, user, "my.yaml", `
rules:
  - name: demote-hl2
    priority: 1
    match: {name: hl2_linux}
    type: BG_CPUIO
    tags: [demoted]
`)

	rs, err := Load(map[Layer]string{LayerVendor: vendor, LayerUser: user}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, 3, rs.TypeCount())

	p := &telemetry.ProcessEntity{PID: 10, Name: "hl2_linux"}
	c := rs.Classify(p, nil)
	require.True(t, c.Matched())
	assert.Equal(t, "BG_CPUIO", c.Type, "user layer outranks vendor despite lower priority")
	assert.Equal(t, []string{"demoted"}, c.Tags, "tags from lower layers are not unioned")
	assert.Equal(t, "user:demote-hl2", c.Rule.ID())
}

func TestLoadCustomLayerOrder(t *testing.T) {
	root := t.TempDir()
	vendor := filepath.Join(root, "vendor")
	user := filepath.Join(root, "user")
	writeRuleFile(t, vendor, "00-types.yaml", vendorTypes+`
rules:
  - name: v
    match: {name: app}
    type: Game
`)
	writeRuleFile(t, user, "u.yaml", `
rules:
  - name: u
    match: {name: app}
    type: Player
`)
	rs, err := Load(map[Layer]string{LayerVendor: vendor, LayerUser: user}, []Layer{LayerVendor, LayerUser})
	require.NoError(t, err)
	c := rs.Classify(&telemetry.ProcessEntity{Name: "app"}, nil)
	assert.Equal(t, "Game", c.Type)
}

func TestClassifyTieBreaks(t *testing.T) {
	game := BehaviorType{Name: "Game"}
	bg := BehaviorType{Name: "BG"}
	player := BehaviorType{Name: "Player"}
	match := Match{Cmdline: []string{"--render"}}

	rules := []Rule{
		{Name: "b-file", Layer: LayerDistro, Priority: 5, Match: match, Type: "BG", Tags: []string{"b"}, Source: Source{Path: "/r/b.yaml", Index: 0}},
		{Name: "a-file-2", Layer: LayerDistro, Priority: 5, Match: match, Type: "Player", Tags: []string{"a2"}, Source: Source{Path: "/r/a.yaml", Index: 2}},
		{Name: "a-file-1", Layer: LayerDistro, Priority: 5, Match: match, Type: "Game", Tags: []string{"a1"}, Source: Source{Path: "/r/a.yaml", Index: 1}},
		{Name: "low", Layer: LayerDistro, Priority: 1, Match: match, Type: "BG", Tags: []string{"low"}, Source: Source{Path: "/r/0.yaml", Index: 0}},
		{Name: "runtime", Layer: LayerRuntime, Priority: 99, Match: match, Type: "BG", Tags: []string{"learned"}, Source: Source{Path: "/r/rt.yaml", Index: 0}},
	}

	// Declaration order of the input must not matter.
	for _, perm := range [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}} {
		in := make([]Rule, 0, len(rules))
		for _, i := range perm {
			in = append(in, rules[i])
		}
		rs, err := NewRuleSet([]BehaviorType{game, bg, player}, in, nil)
		require.NoError(t, err)

		c := rs.Classify(&telemetry.ProcessEntity{Cmdline: "engine --render --fast"}, nil)
		require.True(t, c.Matched())
		assert.Equal(t, "distro:a-file-1", c.Rule.ID())
		assert.Equal(t, "Game", c.Type)
		assert.Equal(t, []string{"a1", "a2", "b", "low"}, c.Tags)
	}
}

func TestMatchPredicates(t *testing.T) {
	parent := &telemetry.ProcessEntity{PID: 1, Name: "steam", Exe: "/usr/bin/steam"}
	p := &telemetry.ProcessEntity{
		PID:        2,
		PPID:       1,
		Name:       "game",
		Exe:        "/opt/game/bin/game.x86_64",
		Cmdline:    "/opt/game/bin/game.x86_64 -vulkan -fullscreen",
		CgroupPath: "/user.slice/user-1000.slice/app-steam.scope",
		User:       "alice",
		Container:  "web",
		Env:        map[string]string{"SteamAppId": "570"},
	}
	tests := []struct {
		name string
		m    Match
		want bool
	}{
		{"name", Match{Name: "game"}, true},
		{"exe basename", Match{Name: "game.x86_64"}, true},
		{"exe", Match{Exe: "/opt/game/bin/game.x86_64"}, true},
		{"cmdline all", Match{Cmdline: []string{"-vulkan", "-fullscreen"}}, true},
		{"cmdline missing", Match{Cmdline: []string{"-vulkan", "-windowed"}}, false},
		{"parent", Match{Parent: "steam"}, true},
		{"parent mismatch", Match{Parent: "bash"}, false},
		{"cgroup", Match{Cgroup: "app-steam"}, true},
		{"user", Match{User: "bob"}, false},
		{"container", Match{Container: "web"}, true},
		{"env", Match{Env: map[string]string{"SteamAppId": "570"}}, true},
		{"env mismatch", Match{Env: map[string]string{"SteamAppId": "1"}}, false},
		{"conjunction", Match{Name: "game", User: "alice", Parent: "steam"}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, matches(&tc.m, p, parent))
		})
	}

	assert.False(t, matches(&Match{Parent: "steam"}, p, nil), "unknown parent never matches")
}

func TestLoadRejectsUndefinedType(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "00-types.yaml", vendorTypes)
	bad := writeRuleFile(t, dir, "50-bad.yaml", `
rules:
  - name: broken
    match: {name: foo}
    type: DoesNotExist
`)

	_, err := Load(map[Layer]string{LayerVendor: dir}, nil)
	require.Error(t, err)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, bad, le.Path)
	assert.Equal(t, "vendor:broken", le.Rule)
	assert.Contains(t, le.Reason, "DoesNotExist")
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty match", "types: [{name: T}]\nrules:\n  - name: r\n    type: T\n"},
		{"unknown key", "types: [{name: T, colour: red}]\n"},
		{"bad range", "types: [{name: T, nice: [5, 1]}]\n"},
		{"out of bounds", "types: [{name: T, ionice_level: 9}]\n"},
		{"bad io class", "types: [{name: T, ionice_class: turbo}]\n"},
		{"range arity", "types: [{name: T, nice: [1, 2, 3]}]\n"},
		{"bad override", "types: [{name: T}]\nrules:\n  - match: {name: x}\n    type: T\n    overrides: {nice: 40}\n"},
		{"duplicate type", "types: [{name: T}, {name: T}]\n"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeRuleFile(t, dir, "x.yaml", tc.body)
			_, err := Load(map[Layer]string{LayerDistro: dir}, nil)
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.NotEmpty(t, le.Path)
		})
	}
}

func TestLoadTypeOverriddenByHigherLayer(t *testing.T) {
	root := t.TempDir()
	writeRuleFile(t, filepath.Join(root, "vendor"), "t.yaml", "types: [{name: T, nice: [0, 5]}]\n")
	writeRuleFile(t, filepath.Join(root, "user"), "t.yaml", "types: [{name: T, nice: [-5, 0]}]\n")
	rs, err := Load(map[Layer]string{
		LayerVendor: filepath.Join(root, "vendor"),
		LayerUser:   filepath.Join(root, "user"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, qos.NewRange(-5, 0), rs.Type("T").Nice)
}

func TestLoadMissingDirectoryIsEmpty(t *testing.T) {
	rs, err := Load(map[Layer]string{LayerUser: filepath.Join(t.TempDir(), "nope")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Len())
}

func TestRuleOverridesParsed(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "r.yaml", `
types: [{name: T}]
rules:
  - name: pinned
    match: {cmdline: "--pin"}
    type: T
    overrides: {nice: -3, ionice_class: idle}
`)
	rs, err := LoadFile(path, LayerUser)
	require.NoError(t, err)
	c := rs.Classify(&telemetry.ProcessEntity{Cmdline: "x --pin"}, nil)
	require.True(t, c.Matched())
	require.NotNil(t, c.Overrides.Nice)
	assert.Equal(t, -3, *c.Overrides.Nice)
	require.NotNil(t, c.Overrides.IOClass)
	assert.Equal(t, qos.IOIdle, *c.Overrides.IOClass)
}

func TestClassifyAllAndResolveGroups(t *testing.T) {
	types := []BehaviorType{{Name: "Build"}, {Name: "Shell"}}
	rs, err := NewRuleSet(types, []Rule{
		{Name: "cc", Layer: LayerDistro, Match: Match{Name: "cc1"}, Type: "Build", Tags: []string{"build"}, Source: Source{Path: "a", Index: 0}},
		{Name: "make", Layer: LayerUser, Match: Match{Name: "make"}, Type: "Build", Tags: []string{"build"}, Source: Source{Path: "a", Index: 1}},
	}, nil)
	require.NoError(t, err)

	procs := []telemetry.ProcessEntity{
		{PID: 100, PPID: 1, Name: "sh", CgroupPath: "/a"},
		{PID: 101, PPID: 100, Name: "cc1", CgroupPath: "/a"},
		{PID: 102, PPID: 100, Name: "make", CgroupPath: "/a", Tags: []string{"pre"}},
	}
	rs.ClassifyAll(procs)
	assert.Equal(t, "", procs[0].BehaviorType)
	assert.Equal(t, "Build", procs[1].BehaviorType)
	assert.Equal(t, []string{"pre", "build"}, procs[2].Tags)

	groups := telemetry.BuildGroups(procs)
	require.Len(t, groups, 1)
	assert.Equal(t, "", groups[0].BehaviorType)
	rs.ResolveGroups(groups, procs)
	assert.Equal(t, "Build", groups[0].BehaviorType)
	assert.Equal(t, "user:make", groups[0].MatchedRule, "the member matched by the higher layer wins")
}

func TestBehaviorTypeConstrain(t *testing.T) {
	idle := qos.IOIdle
	bt := &BehaviorType{Nice: qos.NewRange(10, 19), IOClass: &idle, CPUWeight: qos.NewRange(10, 50)}
	got := bt.Constrain(qos.Envelope(qos.CritInteractive))
	assert.Equal(t, 10, got.Nice)
	assert.Equal(t, qos.IOIdle, got.IOClass)
	assert.Equal(t, 50, got.CPUWeight)
	assert.Equal(t, qos.Envelope(qos.CritInteractive).LatencyNice, got.LatencyNice)

	assert.Equal(t, 0.0, (&BehaviorType{}).LatencySensitivity())
	assert.InDelta(t, 0.625, (&BehaviorType{LatencyNice: qos.NewRange(-15, -10)}).LatencySensitivity(), 1e-9)
}
