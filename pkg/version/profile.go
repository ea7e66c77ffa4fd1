package version

import (
	"embed"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var profileFS embed.FS

// Profile describes the behavior of one protocol version.
type Profile struct {
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Heartbeat   bool     `yaml:"heartbeat"`
	Messages    []string `yaml:"messages"`
}

// AcceptsClient reports whether sessions on this version handle msg from a
// client. Anything else is answered with "Bad request".
func (p *Profile) AcceptsClient(msg string) bool {
	return slices.Contains(p.Messages, msg)
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*Profile)
)

// LoadProfile loads the profile of a protocol version (e.g. "pre2").
func LoadProfile(ver string) (*Profile, error) {
	cacheMu.RLock()
	if p, ok := cache[ver]; ok {
		cacheMu.RUnlock()
		return p, nil
	}
	cacheMu.RUnlock()

	data, err := profileFS.ReadFile("profiles/" + ver + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("protocol version %q not found: %w", ver, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %q: %w", ver, err)
	}

	cacheMu.Lock()
	cache[ver] = &p
	cacheMu.Unlock()

	return &p, nil
}

// AvailableProfiles returns the versions of all embedded profiles, sorted.
func AvailableProfiles() ([]string, error) {
	entries, err := profileFS.ReadDir("profiles")
	if err != nil {
		return nil, fmt.Errorf("reading profiles directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") {
			versions = append(versions, strings.TrimSuffix(name, ".yaml"))
		}
	}
	sort.Strings(versions)
	return versions, nil
}
