package relay

import "github.com/zeromicro/go-zero/rest"

// Config 中继服务配置
type Config struct {
	rest.RestConf

	// 日志配置
	Log LogConfig `json:",optional"`

	// 认证配置
	Auth AuthConfig `json:",optional"`

	// 限流配置
	RateLimit RateLimitConfig `json:",optional"`

	// 链路追踪配置
	Tracing TracingConfig `json:",optional"`
}

// LogConfig 日志配置
type LogConfig struct {
	ServiceName         string `json:",default=loomsync-relay"`
	Mode                string `json:",default=console,options=console|file|volume"`
	Path                string `json:",default=logs/relay"`
	Level               string `json:",default=info,options=debug|info|warn|error"`
	Compress            bool   `json:",default=false"`
	KeepDays            int    `json:",default=7"`
	StackCooldownMillis int    `json:",default=100"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Enable bool   `json:",default=false"`
	Secret string `json:",optional"`
	Expire int64  `json:",default=86400"` // 秒
	Issuer string `json:",default=loomsync"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enable bool `json:",default=true"`
	Rate   int  `json:",default=200"` // 每秒请求数
	Burst  int  `json:",default=400"` // 突发容量
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enable       bool    `json:",default=false"`
	ServiceName  string  `json:",default=loomsync-relay"`
	Endpoint     string  `json:",default=http://localhost:14268/api/traces"`
	Exporter     string  `json:",default=jaeger,options=jaeger|zipkin"`
	SampleRate   float64 `json:",default=1.0"`
	Environment  string  `json:",default=development"`
	BatchTimeout int     `json:",default=5"`  // 秒
	MaxQueueSize int     `json:",default=2048"`
}
