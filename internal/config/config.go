// Package config provides configuration loading from a YAML file and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend names accepted in Config.Backend.
const (
	BackendECS        = "ecs"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// Config is the single explicit configuration for one reconciler process.
// It is built once at startup and passed down; nothing reads the environment after Load.
type Config struct {
	Backend   string `yaml:"backend"`
	ManagedBy string `yaml:"managedBy"`

	Registry    RegistryConfig    `yaml:"registry"`
	ResultStore ResultStoreConfig `yaml:"resultStore"`

	ECS        ECSConfig        `yaml:"ecs"`
	Docker     DockerConfig     `yaml:"docker"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`

	Redis  RedisConfig  `yaml:"redis"`
	Server ServerConfig `yaml:"server"`

	HTTPTimeout       time.Duration `yaml:"httpTimeout"`
	PassTimeout       time.Duration `yaml:"passTimeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	ErrorScanInterval time.Duration `yaml:"errorScanInterval"`
	OTLPEndpoint      string        `yaml:"otlpEndpoint"`
}

// RegistryConfig describes the service publishing ready jobs.
type RegistryConfig struct {
	URL            string `yaml:"url"`
	MemberID       string `yaml:"memberId"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
	PrivateKey     string `yaml:"-"` // PEM, resolved from PrivateKeyFile or REGISTRY_PRIVATE_KEY
	LegacyPaths    bool   `yaml:"legacyPaths"`
}

// ResultStoreConfig describes the service receiving job status updates.
type ResultStoreConfig struct {
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"passwordFile"`
	Password     string `yaml:"-"`
	LegacyPaths  bool   `yaml:"legacyPaths"`
}

// ECSConfig holds cloud task scheduler settings.
type ECSConfig struct {
	Region             string   `yaml:"region"`
	Cluster            string   `yaml:"cluster"`
	BaseTaskDefinition string   `yaml:"baseTaskDefinition"`
	Subnets            []string `yaml:"subnets"`
	SecurityGroups     []string `yaml:"securityGroups"`
	AssignPublicIP     bool     `yaml:"assignPublicIp"`
	LogGroup           string   `yaml:"logGroup"`
	LogStreamPrefix    string   `yaml:"logStreamPrefix"`
}

// DockerConfig holds single-host container daemon settings.
// The daemon address itself comes from DOCKER_HOST via the client.
type DockerConfig struct {
	Network    string   `yaml:"network"`
	ExtraHosts []string `yaml:"extraHosts"`
}

// KubernetesConfig holds cluster orchestrator settings.
type KubernetesConfig struct {
	Namespace      string `yaml:"namespace"`
	Kubeconfig     string `yaml:"kubeconfig"`
	ServiceAccount string `yaml:"serviceAccount"`
}

// RedisConfig enables the optional pass lock when Address is set.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lockTtl"`
}

// ServerConfig holds settings for the long-running serve mode.
type ServerConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metricsPort"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdownDrainWait"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Backend:   BackendECS,
		ManagedBy: "enclave-reconciler",
		ECS: ECSConfig{
			LogStreamPrefix: "research-container",
		},
		Kubernetes: KubernetesConfig{
			Namespace: "default",
		},
		Redis: RedisConfig{
			LockTTL: 10 * time.Minute,
		},
		Server: ServerConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: 5 * time.Second,
		},
		HTTPTimeout:       30 * time.Second,
		PassTimeout:       10 * time.Minute,
		PollInterval:      1 * time.Minute,
		ErrorScanInterval: 5 * time.Minute,
	}
}

// Option overrides a loaded setting. Options run after environment overrides
// and before validation, so command-line flags win over everything else.
type Option func(*Config)

// WithBackend selects the backend. An empty name keeps the loaded value.
func WithBackend(name string) Option {
	return func(c *Config) {
		if name != "" {
			c.Backend = name
		}
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then environment overrides, then opts. The result is validated.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.resolveSecrets()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = GetEnv("BACKEND", c.Backend)
	c.ManagedBy = GetEnv("MANAGED_BY", c.ManagedBy)

	c.Registry.URL = GetEnv("REGISTRY_URL", c.Registry.URL)
	c.Registry.MemberID = GetEnv("REGISTRY_MEMBER_ID", c.Registry.MemberID)
	c.Registry.PrivateKeyFile = GetEnv("REGISTRY_PRIVATE_KEY_FILE", c.Registry.PrivateKeyFile)
	c.Registry.PrivateKey = GetEnv("REGISTRY_PRIVATE_KEY", c.Registry.PrivateKey)
	c.Registry.LegacyPaths = GetBoolEnv("REGISTRY_LEGACY_PATHS", c.Registry.LegacyPaths)

	c.ResultStore.URL = GetEnv("RESULTS_URL", c.ResultStore.URL)
	c.ResultStore.Username = GetEnv("RESULTS_USERNAME", c.ResultStore.Username)
	c.ResultStore.PasswordFile = GetEnv("RESULTS_PASSWORD_FILE", c.ResultStore.PasswordFile)
	c.ResultStore.Password = GetEnv("RESULTS_PASSWORD", c.ResultStore.Password)
	c.ResultStore.LegacyPaths = GetBoolEnv("RESULTS_LEGACY_PATHS", c.ResultStore.LegacyPaths)

	c.ECS.Region = GetEnv("AWS_REGION", c.ECS.Region)
	c.ECS.Cluster = GetEnv("ECS_CLUSTER", c.ECS.Cluster)
	c.ECS.BaseTaskDefinition = GetEnv("ECS_BASE_TASK_DEFINITION", c.ECS.BaseTaskDefinition)
	c.ECS.Subnets = GetListEnv("ECS_SUBNETS", c.ECS.Subnets)
	c.ECS.SecurityGroups = GetListEnv("ECS_SECURITY_GROUPS", c.ECS.SecurityGroups)
	c.ECS.AssignPublicIP = GetBoolEnv("ECS_ASSIGN_PUBLIC_IP", c.ECS.AssignPublicIP)
	c.ECS.LogGroup = GetEnv("ECS_LOG_GROUP", c.ECS.LogGroup)
	c.ECS.LogStreamPrefix = GetEnv("ECS_LOG_STREAM_PREFIX", c.ECS.LogStreamPrefix)

	c.Docker.Network = GetEnv("DOCKER_NETWORK", c.Docker.Network)
	c.Docker.ExtraHosts = GetListEnv("EXTRA_HOSTS", c.Docker.ExtraHosts)

	c.Kubernetes.Namespace = GetEnv("KUBERNETES_NAMESPACE", c.Kubernetes.Namespace)
	c.Kubernetes.Kubeconfig = GetEnv("KUBECONFIG", c.Kubernetes.Kubeconfig)
	c.Kubernetes.ServiceAccount = GetEnv("KUBERNETES_SERVICE_ACCOUNT", c.Kubernetes.ServiceAccount)

	c.Redis.Address = GetEnv("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetIntEnv("REDIS_DB", c.Redis.DB)
	c.Redis.LockTTL = GetDurationEnv("REDIS_LOCK_TTL", c.Redis.LockTTL)

	c.Server.Port = GetEnv("PORT", c.Server.Port)
	c.Server.MetricsPort = GetEnv("METRICS_PORT", c.Server.MetricsPort)
	c.Server.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.Server.ShutdownDrainWait)

	c.HTTPTimeout = GetDurationEnv("HTTP_TIMEOUT", c.HTTPTimeout)
	c.PassTimeout = GetDurationEnv("PASS_TIMEOUT", c.PassTimeout)
	c.PollInterval = GetDurationEnv("POLL_INTERVAL", c.PollInterval)
	c.ErrorScanInterval = GetDurationEnv("ERROR_SCAN_INTERVAL", c.ErrorScanInterval)
	c.OTLPEndpoint = GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
}

// resolveSecrets reads file-backed secrets. Inline values win over files.
func (c *Config) resolveSecrets() {
	if c.Registry.PrivateKey == "" {
		c.Registry.PrivateKey = GetSecretFile(c.Registry.PrivateKeyFile)
	}
	if c.ResultStore.Password == "" {
		c.ResultStore.Password = GetSecretFile(c.ResultStore.PasswordFile)
	}
	c.Server.APIKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
}

// Validate checks that the settings required by the selected backend are present.
// Upstream credentials are not checked here: a missing credential is reported
// by the upstream client on first use.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("REGISTRY_URL is required")
	}
	if c.ResultStore.URL == "" {
		return fmt.Errorf("RESULTS_URL is required")
	}
	if c.ManagedBy == "" {
		return fmt.Errorf("MANAGED_BY must not be empty")
	}

	switch c.Backend {
	case BackendECS:
		if c.ECS.Cluster == "" {
			return fmt.Errorf("ECS_CLUSTER is required for the %s backend", c.Backend)
		}
		if c.ECS.BaseTaskDefinition == "" {
			return fmt.Errorf("ECS_BASE_TASK_DEFINITION is required for the %s backend", c.Backend)
		}
		if len(c.ECS.Subnets) == 0 {
			return fmt.Errorf("ECS_SUBNETS is required for the %s backend", c.Backend)
		}
	case BackendDocker:
	case BackendKubernetes:
		if c.Kubernetes.Namespace == "" {
			return fmt.Errorf("KUBERNETES_NAMESPACE is required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, BackendECS, BackendDocker, BackendKubernetes)
	}

	if c.PollInterval <= 0 || c.ErrorScanInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}
