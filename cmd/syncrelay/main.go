package main

import (
	"flag"
	"fmt"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"

	"github.com/loomsync/loomsync/internal/relay"
)

var configFile = flag.String("f", "configs/relay.yaml", "the config file")

func main() {
	flag.Parse()

	var c relay.Config
	conf.MustLoad(*configFile, &c)

	// 初始化日志
	logx.MustSetup(logx.LogConf{
		ServiceName:         c.Log.ServiceName,
		Mode:                c.Log.Mode,
		Path:                c.Log.Path,
		Level:               c.Log.Level,
		Compress:            c.Log.Compress,
		KeepDays:            c.Log.KeepDays,
		StackCooldownMillis: c.Log.StackCooldownMillis,
	})

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	server := rest.MustNewServer(c.RestConf, rest.WithCors())
	defer server.Stop()

	svc, err := relay.NewService(&c, logger)
	if err != nil {
		logx.Must(err)
	}
	defer svc.Shutdown()

	svc.RegisterHandlers(server)

	fmt.Printf("Starting sync relay at %s:%d...\n", c.Host, c.Port)
	logx.Infof("sync relay started at %s:%d", c.Host, c.Port)

	server.Start()
}
