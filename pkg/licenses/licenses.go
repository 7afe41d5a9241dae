package licenses

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/rs/zerolog"
)

// License is one counted resource: a named seat pool shared by the whole
// farm.
type License struct {
	Name                    string
	Maximum                 int
	Used                    int
	CurrentUsingRenderNodes []string
}

func (l *License) String() string {
	return fmt.Sprintf("%s : %d/%d on use", l.Name, l.Used, l.Maximum)
}

// Manager tracks counted license reservations per render node. All calls
// happen on the dispatcher goroutine; the manager does not lock.
type Manager struct {
	licenses map[string]*License
	logger   zerolog.Logger
}

// NewManager creates an empty license manager.
func NewManager() *Manager {
	return &Manager{
		licenses: make(map[string]*License),
		logger:   log.WithComponent("licenses"),
	}
}

// LoadFile reads a line-oriented license file: "<name> <maximum>" per
// non-comment line. Existing reservations survive a reload; only maximums
// are updated.
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open license file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("malformed license line: %q", line)
		}
		maximum, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("malformed license maximum in %q: %w", line, err)
		}
		m.SetMax(fields[0], maximum)
		seen[fields[0]] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read license file: %w", err)
	}

	m.logger.Info().Int("licenses", len(seen)).Str("path", path).Msg("License file loaded")
	return nil
}

// Reserve takes one seat of the named license for a render node. Returns
// false when the license is exhausted or unknown.
func (m *Manager) Reserve(name, renderNode string) bool {
	lic, ok := m.licenses[name]
	if !ok {
		m.logger.Warn().Str("license", name).Msg("License not found")
		return false
	}
	if lic.Used >= lic.Maximum {
		return false
	}
	lic.Used++
	lic.CurrentUsingRenderNodes = append(lic.CurrentUsingRenderNodes, renderNode)
	return true
}

// Release gives back one seat held by a render node. A release without a
// matching reservation is ignored.
func (m *Manager) Release(name, renderNode string) {
	lic, ok := m.licenses[name]
	if !ok {
		m.logger.Warn().Str("license", name).Msg("License not found")
		return
	}
	for i, holder := range lic.CurrentUsingRenderNodes {
		if holder == renderNode {
			lic.CurrentUsingRenderNodes = append(lic.CurrentUsingRenderNodes[:i], lic.CurrentUsingRenderNodes[i+1:]...)
			if lic.Used > 0 {
				lic.Used--
			}
			return
		}
	}
	m.logger.Debug().Str("license", name).Str("render_node", renderNode).Msg("Release without reservation")
}

// SetMax updates a license seat count, creating the license when unknown.
// Existing holders are never evicted.
func (m *Manager) SetMax(name string, maximum int) {
	if lic, ok := m.licenses[name]; ok {
		lic.Maximum = maximum
		return
	}
	m.licenses[name] = &License{Name: name, Maximum: maximum}
}

// Get returns the named license, or nil.
func (m *Manager) Get(name string) *License {
	return m.licenses[name]
}

// List returns all licenses sorted by name.
func (m *Manager) List() []*License {
	out := make([]*License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		out = append(out, lic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
