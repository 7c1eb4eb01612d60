package docker

// Config holds configuration for the Docker backend.
type Config struct {
	ManagedBy  string   // value of the managed-by label on every container
	Network    string   // network to attach job containers to (default bridge)
	ExtraHosts []string // extra /etc/hosts entries (e.g. ["results.local:host-gateway"])
}
