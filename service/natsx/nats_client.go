package natsx

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"joingate/tools/errs"
)

// Mode 订阅模式
type Mode int

const (
	Core          Mode = iota // 无持久化
	JetStreamPush             // JS 推送订阅, 手动 ack
)

// Route binds a logical stream name to a subject.
type Route struct {
	Name          string
	Subject       string
	Mode          Mode
	Queue         string // 队列组, 多实例分摊
	Durable       string
	AckWait       time.Duration
	MaxAckPending int
}

type Config struct {
	URL           string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client wraps one NATS connection and the subscriptions made through it.
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger

	mu     sync.RWMutex
	routes map[string]Route
	subs   map[string]*nats.Subscription
}

// Connect 连接 NATS, 断线无限重连
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.ErrConfig.WrapMsg("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "url", cfg.URL)
	}
	return &Client{
		cfg:    cfg,
		nc:     nc,
		log:    log,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Conn exposes the raw connection for request/reply callers.
func (c *Client) Conn() *nats.Conn { return c.nc }

// Close drains subscriptions first so in-flight handlers finish.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, name)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func (c *Client) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream()
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

func (c *Client) RegisterRoute(r Route) error {
	if r.Name == "" || r.Subject == "" {
		return errs.ErrArgs.WrapMsg("invalid route", "name", r.Name, "subject", r.Subject)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Mode == JetStreamPush {
		if err := c.ensureJS(); err != nil {
			return errs.WrapMsg(err, "init jetstream")
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.routes[r.Name] = r
	return nil
}

func (c *Client) route(name string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[name]
	return r, ok
}
