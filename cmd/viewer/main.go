package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"vertex-book-go/config"
	"vertex-book-go/internal/container"
	"vertex-book-go/internal/exchange"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径（为空则使用默认配置，且不热更新）")
	envFile := flag.String("env", ".env", ".env 文件路径，不存在时跳过")
	productID := flag.Int64("product", 0, "覆盖 feed.productId")
	productName := flag.String("symbol", "", "覆盖 feed.productName（展示标题）")
	rows := flag.Int("rows", 0, "覆盖 display.rows")
	metricsAddr := flag.String("metricsAddr", "", "开启 Prometheus metrics 并监听该地址")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath, *envFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	// 命令行覆盖在热更新后同样生效
	overrides := func(cfg *config.AppConfig) {
		if *productID > 0 {
			cfg.Feed.ProductID = *productID
		}
		if *productName != "" {
			cfg.Feed.ProductName = *productName
		}
		if *rows > 0 {
			cfg.Display.Rows = *rows
		}
		if *metricsAddr != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = *metricsAddr
		}
	}
	overrides(&cfg)
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("配置无效: %v", err)
	}

	c := container.NewFromConfig(cfg, *cfgPath, container.WithEnvFiles(*envFile), container.WithOverrides(overrides))
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		_ = c.Close()
		if errors.Is(err, exchange.ErrRetriesExhausted) {
			fmt.Fprintf(os.Stderr, "连接 Vertex 失败，已达到最大重试次数: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}
