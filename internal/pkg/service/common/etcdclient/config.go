package etcdclient

import (
	"strings"
	"time"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	DefaultConnectionTimeout = 30 * time.Second
	DefaultKeepAliveTimeout  = 5 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultSessionTTL        = 15
)

type Config struct {
	Endpoint          string        `mapstructure:"endpoint" usage:"Etcd endpoint."`
	Namespace         string        `mapstructure:"namespace" usage:"Etcd namespace."`
	Username          string        `mapstructure:"username" usage:"Etcd username."`
	Password          string        `mapstructure:"password" usage:"Etcd password." sensitive:"true"`
	ConnectTimeout    time.Duration `mapstructure:"connect-timeout" usage:"Etcd connect timeout."`
	KeepAliveTimeout  time.Duration `mapstructure:"keep-alive-timeout" usage:"Etcd keep alive timeout."`
	KeepAliveInterval time.Duration `mapstructure:"keep-alive-interval" usage:"Etcd keep alive interval."`
	SessionTTL        int           `mapstructure:"session-ttl" usage:"Seconds after which the entries of a dead node are evicted."`
}

func NewConfig() Config {
	return Config{
		Endpoint:          "",
		Namespace:         "opus",
		ConnectTimeout:    DefaultConnectionTimeout,
		KeepAliveTimeout:  DefaultKeepAliveTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		SessionTTL:        DefaultSessionTTL,
	}
}

func (c *Config) Normalize() {
	c.Endpoint = strings.Trim(c.Endpoint, " /")
	c.Namespace = strings.Trim(c.Namespace, " /") + "/"
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("etcd endpoint is not set")
	}
	if c.Namespace == "/" {
		return errors.New("etcd namespace is not set")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("etcd connect timeout must be positive")
	}
	if c.SessionTTL < 1 {
		return errors.Errorf(`etcd session TTL "%d" must be at least 1 second`, c.SessionTTL)
	}
	return nil
}
