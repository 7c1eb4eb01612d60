package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reconciler/internal/config"
	"reconciler/internal/enclave"
	"reconciler/internal/health"
	"reconciler/internal/lock"
	"reconciler/internal/observability"
	"reconciler/internal/orchestrator/docker"
	"reconciler/internal/orchestrator/ecs"
	"reconciler/internal/orchestrator/kubernetes"
	"reconciler/internal/upstream"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-redis/redis/v7"
)

const serviceName = "enclave-reconciler"

// components are the long-lived pieces shared by every command.
type components struct {
	cfg     *config.Config
	backend enclave.Backend
	gateway *upstream.Gateway
	locker  lock.Locker

	// lockCheck is set when the Redis lock is configured.
	lockCheck health.ReadinessChecker

	closers []func() error
}

func wire(cfg *config.Config) (*components, error) {
	c := &components{
		cfg:     cfg,
		gateway: upstream.NewGateway(cfg.Registry, cfg.ResultStore, nil, cfg.HTTPTimeout),
		locker:  lock.Noop{},
	}

	backend, closer, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	c.backend = backend
	if closer != nil {
		c.closers = append(c.closers, closer)
	}

	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping().Err(); err != nil {
			client.Close()
			c.close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		locker := lock.NewRedis(client, "reconciler:"+cfg.ManagedBy, cfg.Redis.LockTTL)
		c.locker = locker
		c.lockCheck = locker
		c.closers = append(c.closers, client.Close)
		slog.Info("Pass lock enabled", "redis", cfg.Redis.Address)
	}

	slog.Info("Reconciler wired", "backend", backend.Name(), "managedBy", cfg.ManagedBy)
	return c, nil
}

// newBackend builds the configured backend and, if it holds a connection,
// the func that releases it.
func newBackend(cfg *config.Config) (enclave.Backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendECS:
		awsCfg := aws.NewConfig()
		if cfg.ECS.Region != "" {
			awsCfg = awsCfg.WithRegion(cfg.ECS.Region)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create aws session: %w", err)
		}
		return ecs.New(sess, ecs.Config{
			Cluster:            cfg.ECS.Cluster,
			BaseTaskDefinition: cfg.ECS.BaseTaskDefinition,
			Subnets:            cfg.ECS.Subnets,
			SecurityGroups:     cfg.ECS.SecurityGroups,
			AssignPublicIP:     cfg.ECS.AssignPublicIP,
			LogGroup:           cfg.ECS.LogGroup,
			LogStreamPrefix:    cfg.ECS.LogStreamPrefix,
			ManagedBy:          cfg.ManagedBy,
		}), nil, nil

	case config.BackendDocker:
		o, err := docker.NewOrchestrator(docker.Config{
			ManagedBy:  cfg.ManagedBy,
			Network:    cfg.Docker.Network,
			ExtraHosts: cfg.Docker.ExtraHosts,
		})
		if err != nil {
			return nil, nil, err
		}
		return o, o.Close, nil

	case config.BackendKubernetes:
		o, err := kubernetes.NewOrchestrator(kubernetes.Config{
			Namespace:      cfg.Kubernetes.Namespace,
			Kubeconfig:     cfg.Kubernetes.Kubeconfig,
			ServiceAccount: cfg.Kubernetes.ServiceAccount,
			ManagedBy:      cfg.ManagedBy,
		})
		if err != nil {
			return nil, nil, err
		}
		return o, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (c *components) driver(metrics *observability.Metrics) *enclave.Driver {
	return enclave.NewDriver(c.backend, c.gateway, c.locker, metrics)
}

func (c *components) detector(metrics *observability.Metrics) *enclave.Detector {
	return enclave.NewDetector(c.backend, c.gateway, c.locker, metrics)
}

func (c *components) healthChecker() *health.Checker {
	var opts []health.Option
	if c.lockCheck != nil {
		opts = append(opts, health.WithOptional("lock", c.lockCheck))
	}
	return health.NewChecker(c.backend, opts...)
}

func (c *components) close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Failed to release resources", "error", err)
	}
}

// startTracing installs the OTLP exporter when configured and returns its shutdown.
func startTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	shutdown, err := observability.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("Failed to shut down tracer", "error", err)
		}
	}, nil
}
