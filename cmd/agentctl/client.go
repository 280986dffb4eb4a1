package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// statusClient reads the device agent's local status endpoints. It has no
// auth of its own -- the status server only ever listens on loopback.
type statusClient struct {
	baseURL string
	http    *http.Client
}

func newStatusClient(baseURL string) *statusClient {
	return &statusClient{baseURL: baseURL, http: &http.Client{Timeout: 3 * time.Second}}
}

type deviceState struct {
	OwnerType      string    `json:"ownerType"`
	Application    *string   `json:"application"`
	Project        *string   `json:"project"`
	Mode           string    `json:"mode"`
	TargetState    string    `json:"targetState"`
	RunState       string    `json:"state"`
	UptimeSeconds  int64     `json:"uptimeSeconds"`
	RestartCount   int       `json:"restartCount"`
	PackageVersion string    `json:"packageVersion"`
	ObservedAt     time.Time `json:"observedAt"`
}

type historyEntry struct {
	OccurredAt  time.Time `json:"occurredAt"`
	Trigger     string    `json:"trigger"`
	OwnerType   string    `json:"ownerType"`
	OwnerID     string    `json:"ownerId"`
	SnapshotID  string    `json:"snapshotId"`
	Mode        string    `json:"mode"`
	ResultState string    `json:"resultState"`
	Error       string    `json:"error"`
}

type hostDiagnostics struct {
	Hostname      string  `json:"hostname"`
	Uptime        int64   `json:"uptime"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryUsedPct float64 `json:"memoryUsedPercent"`
	DiskUsedPct   float64 `json:"diskUsedPercent"`
}

func (c *statusClient) fetchStatus() (deviceState, error) {
	var s deviceState
	return s, c.get("/status", &s)
}

func (c *statusClient) fetchHistory() ([]historyEntry, error) {
	var h []historyEntry
	return h, c.get("/history", &h)
}

func (c *statusClient) fetchDiagnostics() (hostDiagnostics, error) {
	var d hostDiagnostics
	return d, c.get("/diagnostics", &d)
}

func (c *statusClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
