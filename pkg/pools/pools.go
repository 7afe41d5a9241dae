package pools

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PoolDesc describes one pool read from a backend.
type PoolDesc struct {
	Name        string   `yaml:"name"`
	RenderNodes []string `yaml:"renderNodes"`
}

// WorkerDesc describes one render node read from a backend.
type WorkerDesc struct {
	Name           string
	Host           string
	Port           int
	Cores          int
	Speed          float64
	RAM            int
	Caracteristics map[string]any
}

// Backend loads the initial pool and worker population.
type Backend interface {
	ListPools() ([]PoolDesc, error)
	ListWorkers() ([]WorkerDesc, error)
}

// FileBackend reads pools from a YAML file and workers from a line-oriented
// list: "<name>:<port> <cores> <speed> <ram>" per non-comment line.
type FileBackend struct {
	PoolsPath   string
	WorkersPath string
}

// ListPools reads the pool definitions. A missing file yields just the
// default pool.
func (b *FileBackend) ListPools() ([]PoolDesc, error) {
	data, err := os.ReadFile(b.PoolsPath)
	if os.IsNotExist(err) {
		return []PoolDesc{{Name: "default"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pools file: %w", err)
	}

	var doc struct {
		Pools []PoolDesc `yaml:"pools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pools file %s: %w", b.PoolsPath, err)
	}

	hasDefault := false
	for _, pool := range doc.Pools {
		if pool.Name == "default" {
			hasDefault = true
		}
	}
	if !hasDefault {
		doc.Pools = append([]PoolDesc{{Name: "default"}}, doc.Pools...)
	}
	return doc.Pools, nil
}

// ListWorkers reads the worker list. A missing file is an empty farm, not an
// error: workers may register themselves at runtime.
func (b *FileBackend) ListWorkers() ([]WorkerDesc, error) {
	f, err := os.Open(b.WorkersPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open workers file: %w", err)
	}
	defer f.Close()

	var workers []WorkerDesc
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		worker, err := parseWorkerLine(line)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workers file: %w", err)
	}
	return workers, nil
}

func parseWorkerLine(line string) (WorkerDesc, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return WorkerDesc{}, fmt.Errorf("malformed worker line: %q", line)
	}
	host, portStr, ok := strings.Cut(fields[0], ":")
	if !ok {
		return WorkerDesc{}, fmt.Errorf("malformed worker address: %q", fields[0])
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return WorkerDesc{}, fmt.Errorf("malformed worker port in %q: %w", line, err)
	}
	cores, err := strconv.Atoi(fields[1])
	if err != nil {
		return WorkerDesc{}, fmt.Errorf("malformed core count in %q: %w", line, err)
	}
	speed, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return WorkerDesc{}, fmt.Errorf("malformed speed in %q: %w", line, err)
	}
	ram, err := strconv.Atoi(fields[3])
	if err != nil {
		return WorkerDesc{}, fmt.Errorf("malformed ram size in %q: %w", line, err)
	}
	return WorkerDesc{
		Name:  fields[0],
		Host:  host,
		Port:  port,
		Cores: cores,
		Speed: speed,
		RAM:   ram,
	}, nil
}
