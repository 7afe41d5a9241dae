package pools

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WSBackend fetches the pool and worker population from a central inventory
// web service.
type WSBackend struct {
	URL    string
	Client *http.Client
}

// NewWSBackend creates a web service backend against baseURL.
func NewWSBackend(baseURL string) *WSBackend {
	return &WSBackend{
		URL:    baseURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ListPools fetches /pools from the inventory service.
func (b *WSBackend) ListPools() ([]PoolDesc, error) {
	var doc struct {
		Pools []PoolDesc `json:"pools"`
	}
	if err := b.get("/pools", &doc); err != nil {
		return nil, err
	}
	return doc.Pools, nil
}

// ListWorkers fetches /workers from the inventory service.
func (b *WSBackend) ListWorkers() ([]WorkerDesc, error) {
	var doc struct {
		Workers []struct {
			Name           string         `json:"name"`
			Host           string         `json:"host"`
			Port           int            `json:"port"`
			Cores          int            `json:"cores"`
			Speed          float64        `json:"speed"`
			RAM            int            `json:"ram"`
			Caracteristics map[string]any `json:"caracteristics"`
		} `json:"workers"`
	}
	if err := b.get("/workers", &doc); err != nil {
		return nil, err
	}
	workers := make([]WorkerDesc, 0, len(doc.Workers))
	for _, w := range doc.Workers {
		workers = append(workers, WorkerDesc{
			Name:           w.Name,
			Host:           w.Host,
			Port:           w.Port,
			Cores:          w.Cores,
			Speed:          w.Speed,
			RAM:            w.RAM,
			Caracteristics: w.Caracteristics,
		})
	}
	return workers, nil
}

func (b *WSBackend) get(path string, out any) error {
	resp, err := b.Client.Get(b.URL + path)
	if err != nil {
		return fmt.Errorf("pool backend request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool backend returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pool backend returned malformed body for %s: %w", path, err)
	}
	return nil
}
