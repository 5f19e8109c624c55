package mgo

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"joingate/data/database/mgo/mongoutil"
	"joingate/logger"
	"joingate/tools/errs"
)

// ErrNotReady is returned by stores while the first connection is pending.
var ErrNotReady = errs.NewCodeError(errs.ServerInternalError, "mongo not ready")

type MongoManager struct {
	mu        sync.RWMutex
	client    *mongoutil.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once
	startOnce sync.Once

	lastErr atomic.Value // error
}

var globalMgr = newManager()

func newManager() *MongoManager {
	return &MongoManager{readyCh: make(chan struct{})}
}

func Manager() *MongoManager { return globalMgr }

// StartAsync: 一直运行到 ctx.Done()；首次连上时 close readyCh，后续掉线会自动重连
func StartAsync(ctx context.Context, cfg *mongoutil.Config) {
	globalMgr.StartAsync(ctx, cfg)
}

func (m *MongoManager) StartAsync(ctx context.Context, cfg *mongoutil.Config) {
	m.startOnce.Do(func() {
		go m.run(ctx, cfg)
	})
}

func (m *MongoManager) run(ctx context.Context, cfg *mongoutil.Config) {
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
		healthEvery = 10 * time.Second // 健康检查周期
		failThresh  = 3                // 连续失败阈值
	)
	log := logger.Named("mongo")

	for {
		// ===== 连接阶段（带退避重试） =====
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}
			cli, err := mongoutil.NewMongoDB(ctx, cfg)
			if err == nil {
				m.mu.Lock()
				m.client = cli
				m.mu.Unlock()
				m.readyOnce.Do(func() { close(m.readyCh) })
				log.Info("mongo connected", zap.String("database", cfg.Database))
				break
			}
			m.lastErr.Store(err)
			log.Warn("mongo connect failed", zap.Int("attempt", attempt), zap.Error(err))

			// 退避 + 抖动
			backoff := baseBackoff << attempt
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int64N(int64(backoff/5) + 1)) // 0~20%
			timer := time.NewTimer(backoff - jitter/2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if attempt < 6 {
				attempt++
			}
		}

		// ===== 健康检查阶段（保持/掉线→重连）=====
		if !m.health(ctx, healthEvery, failThresh) {
			return
		}
		log.Warn("mongo connection lost, reconnecting")
	}
}

// health pings until the connection is declared lost (true) or ctx ends (false).
func (m *MongoManager) health(ctx context.Context, every time.Duration, failThresh int) bool {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	fail := 0
	for {
		select {
		case <-ctx.Done():
			m.drop()
			return false
		case <-ticker.C:
			m.mu.RLock()
			c := m.client
			m.mu.RUnlock()
			if c == nil {
				return true
			}
			if err := c.GetDB().Client().Ping(ctx, nil); err != nil {
				fail++
				m.lastErr.Store(err)
				if fail >= failThresh {
					m.drop()
					return true
				}
			} else {
				fail = 0
			}
		}
	}
}

func (m *MongoManager) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		_ = m.client.Disconnect(context.Background())
		m.client = nil
	}
}

// Ready: 首次连接成功时会 close；可 select 等待
func Ready() <-chan struct{} { return globalMgr.readyCh }

// Err: 最近一次错误
func Err() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func TryGetDB() (*mongo.Database, bool) { return globalMgr.TryGetDB() }

func (m *MongoManager) TryGetDB() (*mongo.Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, false
	}
	return m.client.GetDB(), true
}

// DB returns the live database or ErrNotReady. Stores call it per operation
// so they follow reconnects.
func (m *MongoManager) DB() (*mongo.Database, error) {
	db, ok := m.TryGetDB()
	if !ok {
		return nil, ErrNotReady.Wrap()
	}
	return db, nil
}

// WaitReady blocks until the first connection succeeds or ctx ends.
func (m *MongoManager) WaitReady(ctx context.Context) error {
	if _, ok := m.TryGetDB(); ok {
		return nil
	}
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Static wraps an already connected database, for tests and one-shot commands.
func Static(db *mongo.Database) DBProvider {
	return func() (*mongo.Database, error) { return db, nil }
}

// DBProvider resolves the current database handle.
type DBProvider func() (*mongo.Database, error)
