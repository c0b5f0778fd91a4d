package domain

// Backend is a remote tool server reachable over HTTP.
type Backend struct {
	Name    string   `json:"name"`
	BaseURL string   `json:"base_url"`
	Markers []string `json:"markers"`
}

// Well-known backend names.
const (
	BackendAWS        = "aws"
	BackendKubernetes = "kubernetes"
)
