// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pool provides pooled KVS client connections keyed by namespace,
// so a caller reuses a connection to the KVS backend instead of dialing one
// per call. No component in this module imports it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jontk/jobmgr/pkg/logging"
)

// KVSConn is a connection to the KVS backend (spec.md §6). The concrete
// client lives in internal/kvs; pool only manages its lifecycle.
type KVSConn interface {
	// Close releases the connection's underlying resources.
	Close() error
}

// Dialer opens a new KVS connection for the given namespace (the KVS
// directory root the connection will read/write under, e.g. a job's
// "job.<id>" guest namespace or the housekeeping checkpoint namespace).
type Dialer func(ctx context.Context, namespace string) (KVSConn, error)

// KVSConnPool manages a pool of KVS connections keyed by namespace.
type KVSConnPool struct {
	mu     sync.RWMutex
	conns  map[string]*pooledConn
	dial   Dialer
	config *PoolConfig
	logger logging.Logger
}

// pooledConn wraps a KVS connection with usage statistics.
type pooledConn struct {
	conn     KVSConn
	created  time.Time
	lastUsed time.Time
	useCount int64
}

// PoolConfig holds configuration for the KVS connection pool.
type PoolConfig struct {
	// MaxConnsPerNamespace is carried in the config but not read; Get
	// keeps a single connection per namespace
	MaxConnsPerNamespace int

	// IdleTimeout is carried in the config but not read; CleanupIdleConns
	// takes its idle limit as an argument
	IdleTimeout time.Duration

	// DialTimeout bounds how long a single Dialer call may take
	DialTimeout time.Duration
}

// DefaultPoolConfig returns a pool configuration sized for a single
// job-manager reactor's concurrent KVS access pattern.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnsPerNamespace: 10,
		IdleTimeout:          90 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

// NewKVSConnPool creates a new KVS connection pool using dial to open
// new connections on demand.
func NewKVSConnPool(dial Dialer, config *PoolConfig, logger logging.Logger) *KVSConnPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &KVSConnPool{
		conns:  make(map[string]*pooledConn),
		dial:   dial,
		config: config,
		logger: logger,
	}
}

// Get returns a pooled connection for the given namespace, dialing a new
// one if none exists yet.
func (p *KVSConnPool) Get(ctx context.Context, namespace string) (KVSConn, error) {
	p.mu.RLock()
	pc, exists := p.conns[namespace]
	p.mu.RUnlock()

	if exists {
		p.mu.Lock()
		pc.lastUsed = time.Now()
		pc.useCount++
		p.mu.Unlock()

		return pc.conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock.
	if pc, exists := p.conns[namespace]; exists {
		pc.lastUsed = time.Now()
		pc.useCount++
		return pc.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, namespace)
	if err != nil {
		return nil, fmt.Errorf("dial kvs namespace %q: %w", namespace, err)
	}

	p.conns[namespace] = &pooledConn{
		conn:     conn,
		created:  time.Now(),
		lastUsed: time.Now(),
		useCount: 1,
	}

	p.logger.Info("opened new kvs connection", "namespace", namespace)

	return conn, nil
}

// Stats returns statistics about the connection pool.
func (p *KVSConnPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalConns: len(p.conns),
		ConnStats:  make(map[string]ConnStats),
	}

	for namespace, pc := range p.conns {
		stats.ConnStats[namespace] = ConnStats{
			Created:  pc.created,
			LastUsed: pc.lastUsed,
			UseCount: pc.useCount,
		}
	}

	return stats
}

// CleanupIdleConns closes and removes connections unused for longer than
// maxIdleTime, returning the number removed.
func (p *KVSConnPool) CleanupIdleConns(maxIdleTime time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdleTime)

	for namespace, pc := range p.conns {
		if pc.lastUsed.Before(cutoff) {
			if err := pc.conn.Close(); err != nil {
				p.logger.Warn("error closing idle kvs connection", "namespace", namespace, "error", err)
			}

			delete(p.conns, namespace)
			removed++

			p.logger.Info("removed idle kvs connection",
				"namespace", namespace,
				"idle_duration", time.Since(pc.lastUsed),
			)
		}
	}

	return removed
}

// Close closes every connection in the pool.
func (p *KVSConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for namespace, pc := range p.conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close kvs connection %q: %w", namespace, err)
		}
		delete(p.conns, namespace)
	}

	p.logger.Info("closed all kvs connections in pool")
	return firstErr
}

// PoolStats contains statistics about the connection pool.
type PoolStats struct {
	TotalConns int
	ConnStats  map[string]ConnStats
}

// ConnStats contains statistics for a single connection.
type ConnStats struct {
	Created  time.Time
	LastUsed time.Time
	UseCount int64
}

// ConnectionManager manages connection lifecycle and health for a
// KVSConnPool, periodically reclaiming idle connections and optionally
// health-checking a namespace before handing out its connection.
type ConnectionManager struct {
	pool            *KVSConnPool
	healthCheckFunc HealthCheckFunc
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          logging.Logger
}

// HealthCheckFunc checks whether a namespace's connection is still usable.
type HealthCheckFunc func(ctx context.Context, namespace string, conn KVSConn) error

// NewConnectionManager creates a new connection manager over pool.
func NewConnectionManager(pool *KVSConnPool, healthCheck HealthCheckFunc, logger logging.Logger) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &ConnectionManager{
		pool:            pool,
		healthCheckFunc: healthCheck,
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     15 * time.Minute,
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
	}
}

// Start begins the background idle-connection cleanup routine.
func (cm *ConnectionManager) Start() {
	cm.wg.Add(1)
	go cm.cleanupRoutine()
}

// Stop halts the cleanup routine and waits for it to exit.
func (cm *ConnectionManager) Stop() {
	cm.cancel()
	cm.wg.Wait()
}

func (cm *ConnectionManager) cleanupRoutine() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := cm.pool.CleanupIdleConns(cm.maxIdleTime)
			if removed > 0 {
				cm.logger.Info("cleaned up idle kvs connections", "removed", removed)
			}
		case <-cm.ctx.Done():
			return
		}
	}
}

// GetHealthy returns a healthy connection for the given namespace.
func (cm *ConnectionManager) GetHealthy(ctx context.Context, namespace string) (KVSConn, error) {
	conn, err := cm.pool.Get(ctx, namespace)
	if err != nil {
		return nil, err
	}

	if cm.healthCheckFunc != nil {
		if err := cm.healthCheckFunc(ctx, namespace, conn); err != nil {
			return nil, fmt.Errorf("namespace %q health check failed: %w", namespace, err)
		}
	}

	return conn, nil
}
