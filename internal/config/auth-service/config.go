package auth_service_config

import (
	"time"

	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/outbox"
	"github.com/NordCoder/authcore/internal/password"
	"github.com/NordCoder/authcore/internal/ratelimit"
	"github.com/NordCoder/authcore/internal/repository/kafka"
	pg "github.com/NordCoder/authcore/internal/repository/postgres"
	"github.com/NordCoder/authcore/internal/services/auth-service/sweeper"
	"github.com/NordCoder/authcore/internal/totp"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type Server struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

type OTEL struct {
	Enable       bool    `mapstructure:"enable"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

func (c *Config) OTELConfig() obs.OTELConfig {
	return obs.OTELConfig{
		Enable:      c.OTEL.Enable,
		Endpoint:    c.OTEL.OTLPEndpoint,
		ServiceName: c.OTEL.ServiceName,
		Version:     c.App.Version,
		Env:         c.App.Env,
		SampleRatio: c.OTEL.SampleRatio,
	}
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (c *Config) LogConfig() obs.LogConfig {
	return obs.LogConfig{
		Level:  c.Log.Level,
		Pretty: c.Log.Pretty,
		App:    "authcore/" + c.App.Name,
		Env:    c.App.Env,
		Ver:    c.App.Version,
	}
}

type Auth struct {
	Secret             string        `mapstructure:"secret"`
	Issuer             string        `mapstructure:"issuer"`
	APIAudience        string        `mapstructure:"api_audience"`
	AccessTTL          time.Duration `mapstructure:"access_ttl"`
	AccessLeeway       time.Duration `mapstructure:"access_leeway"`
	RefreshSlidingTTL  time.Duration `mapstructure:"refresh_sliding_ttl"`
	RefreshAbsoluteTTL time.Duration `mapstructure:"refresh_absolute_ttl"`
	CookieName         string        `mapstructure:"cookie_name"`
	CookieDomain       string        `mapstructure:"cookie_domain"`
	CookiePath         string        `mapstructure:"cookie_path"`
	CookieSecure       bool          `mapstructure:"cookie_secure"`
}

type Permissions struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CacheNumCounters int64         `mapstructure:"cache_num_counters"`
	CacheMaxCost     int64         `mapstructure:"cache_max_cost"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimit struct {
	// Backend is "redis", "local" or "off".
	Backend string           `mapstructure:"backend"`
	SignIn  ratelimit.Config `mapstructure:"sign_in"`
}

type Kafka struct {
	Producer kafka.ProducerConfig `mapstructure:"producer"`
	Topic    kafka.TopicSpec      `mapstructure:"topic"`
}

type Config struct {
	App         App              `mapstructure:"app"`
	Server      Server           `mapstructure:"server"`
	DB          pg.Config        `mapstructure:"db"`
	OTEL        OTEL             `mapstructure:"otel"`
	Log         Log              `mapstructure:"log"`
	Auth        Auth             `mapstructure:"auth"`
	Permissions Permissions      `mapstructure:"permissions"`
	Redis       Redis            `mapstructure:"redis"`
	RateLimit   RateLimit        `mapstructure:"rate_limit"`
	Kafka       Kafka            `mapstructure:"kafka"`
	Outbox      outbox.Config    `mapstructure:"outbox"`
	Password    password.Params  `mapstructure:"password"`
	TOTP        totp.Config      `mapstructure:"totp"`
	Lockout     pg.LockoutPolicy `mapstructure:"lockout"`
	Sweeper     sweeper.Config   `mapstructure:"sweeper"`
}

type ErrConfig string

func (e ErrConfig) Error() string { return string(e) }
