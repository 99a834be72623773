package app

import (
	"fmt"

	"dealscan/internal/config"
	"dealscan/internal/logger"
	apihttp "dealscan/internal/transport/http/api"
)

func buildHTTPServer(cfg config.AppConfig, deps apihttp.Config) (*apihttp.Server, error) {
	deps.Addr = cfg.HTTPAddr
	server, err := apihttp.NewServer(deps)
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 接口失败: %w", err)
	}
	logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	return server, nil
}
