package shardmanager

import "time"

// Config holds the control-plane settings. NumberOfShards must match the
// pods' sharding config.
type Config struct {
	// NumberOfShards is the cluster-wide shard count.
	NumberOfShards int

	// RebalanceInterval is the period of the background balancing pass.
	RebalanceInterval time.Duration

	// RebalanceRetryInterval is the pause before retrying failed entity
	// termination notifications.
	RebalanceRetryInterval time.Duration

	// RebalanceRate in (0,1] bounds balancing moves per pass to
	// ceil(rate * NumberOfShards).
	RebalanceRate float64

	// PersistRetryInterval and PersistRetryCount govern retries of
	// assignment persistence.
	PersistRetryInterval time.Duration
	PersistRetryCount    int

	// PodHealthCheckInterval is the period of the liveness sweep;
	// PodPingTimeout bounds each probe.
	PodHealthCheckInterval time.Duration
	PodPingTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumberOfShards == 0 {
		c.NumberOfShards = 300
	}
	if c.RebalanceInterval == 0 {
		c.RebalanceInterval = 20 * time.Second
	}
	if c.RebalanceRetryInterval == 0 {
		c.RebalanceRetryInterval = 10 * time.Second
	}
	if c.RebalanceRate == 0 {
		c.RebalanceRate = 0.02
	}
	if c.PersistRetryInterval == 0 {
		c.PersistRetryInterval = 3 * time.Second
	}
	if c.PersistRetryCount == 0 {
		c.PersistRetryCount = 100
	}
	if c.PodHealthCheckInterval == 0 {
		c.PodHealthCheckInterval = time.Minute
	}
	if c.PodPingTimeout == 0 {
		c.PodPingTimeout = 3 * time.Second
	}
	return c
}
