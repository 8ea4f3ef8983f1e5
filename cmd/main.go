package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/api"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/config"
	"github.com/rebeccapanel/Rebecca-sub001/internal/nodeclient"
	"github.com/rebeccapanel/Rebecca-sub001/internal/server"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
	"github.com/rebeccapanel/Rebecca-sub001/internal/sub"
	"github.com/rebeccapanel/Rebecca-sub001/internal/ws"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/initializer"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "./config.yaml", "Path to config file")
	port       = flag.Int("port", 0, "Override server port")
)

func main() {
	flag.Parse()
	if err := logger.Init(&logger.Config{
		Level:  "info",
		Format: "console",
	}); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	defer logger.Sync()

	// 检查是否首次运行
	isFirstRun := initializer.IsFirstRun(*configPath)

	// 初始化基础目录
	if err := initializer.InitDirectories(); err != nil {
		logger.Fatal("初始化目录失败", zap.Error(err))
	}
	initializer.PrintWelcome()

	// 首次运行初始化
	if isFirstRun {
		if err := initializer.InitConfig(*configPath); err != nil {
			logger.Fatal("初始化配置失败", zap.Error(err))
		}
		if err := initializer.InitCertificates("./certs"); err != nil {
			logger.Fatal("初始化证书失败", zap.Error(err))
		}
	}

	cfg := config.LoadConfigOrDefault(*configPath)
	if *port > 0 {
		cfg.Server.Port = *port
	}

	// 重新初始化日志系统（使用配置）
	if err := logger.Init(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logger.Fatal("重新初始化日志系统失败", zap.Error(err))
	}

	dbManager, err := db.NewManager(&db.Config{
		SQLitePath:    cfg.Database.SQLitePath,
		RedisAddr:     cfg.Database.RedisAddr,
		RedisPassword: cfg.Database.RedisPassword,
		RedisDB:       cfg.Database.RedisDB,
	})
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer dbManager.Close()

	logger.Info("✓ 数据库初始化成功")

	// 库为空时创建初始管理员
	if err := initializer.EnsureBootstrapAdmin(dbManager,
		cfg.Auth.BootstrapAdmin, cfg.Auth.BootstrapPassword); err != nil {
		logger.Fatal("初始化管理员失败", zap.Error(err))
	}

	// 签名密钥与协议掩码存于数据库单例行，启动时生成
	if err := dbManager.DB.SQLite.WarmSecrets(); err != nil {
		logger.Fatal("初始化密钥失败", zap.Error(err))
	}
	issuer := auth.NewTokenIssuer(dbManager.DB.SQLite)
	codec := auth.NewKeyCodec(dbManager.DB.SQLite)

	// 核心服务
	registry := service.NewNodeRegistry(dbManager)
	ledger := service.NewUsageLedger(dbManager, registry, cfg.Node.UsageBucketSec)
	scheduler := service.NewQuotaResetScheduler(dbManager, cfg.Quota.ResetCron)

	// 主控伪节点随进程上线
	if err := registry.MarkConnected(dbinit.MasterNodeID, "control plane started"); err != nil {
		logger.Warn("标记主控节点在线失败", zap.Error(err))
	}

	// WebSocket 服务器，同时作为状态变更的下发通道
	wsServer := ws.NewServer(dbManager, registry, ledger, issuer, codec)
	wsServer.Start()
	defer wsServer.Stop()

	syncer := wsServer.Syncer()
	registry.SetSyncer(syncer)
	ledger.SetSyncer(syncer)
	scheduler.SetSyncer(syncer)

	// 配额重置调度
	if err := scheduler.Start(); err != nil {
		logger.Fatal("启动配额重置调度器失败", zap.Error(err))
	}
	defer scheduler.Stop()

	// 节点健康探测
	prober := service.NewNodeProber(dbManager, registry,
		time.Duration(cfg.Node.ProbeInterval)*time.Second,
		time.Duration(cfg.Node.ProbeTimeout)*time.Second)
	prober.Start()
	defer prober.Stop()

	// 管理 API
	nodes := nodeclient.New(time.Duration(cfg.Node.RPCTimeout) * time.Second)
	app := api.NewApp(cfg, dbManager, issuer, codec, registry, ledger, scheduler, nodes)
	router := api.SetupRouter(app, wsServer)

	http2Addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled && cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsConfig = buildTLSConfig()
	}

	// 创建 HTTP/2 服务器
	http2Server := server.NewHTTP2Server(
		http2Addr,
		router,
		tlsConfig,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
	)
	go func() {
		var err error
		if tlsConfig != nil {
			err = http2Server.Start(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = http2Server.StartInsecure()
		}
		if err != nil {
			logger.Error("管理 API 服务器错误", zap.Error(err))
		}
	}()

	var http3Server *server.HTTP3Server
	if cfg.Server.EnableHTTP3 && tlsConfig != nil {
		http3Addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTP3Port)
		http3Server = server.NewHTTP3Server(http3Addr, router, tlsConfig)

		go func() {
			if err := http3Server.Start(); err != nil {
				logger.Error("HTTP/3 服务器错误", zap.Error(err))
			}
		}()
	} else if cfg.Server.EnableHTTP3 {
		logger.Warn("未启用 TLS，跳过 HTTP/3 监听")
	}

	// 订阅服务器独立监听
	subServer := sub.NewServer(&cfg.Subscription, sub.NewHandler(dbManager, issuer, codec))
	subServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先停外部表面，再停内部服务
	if err := subServer.Stop(); err != nil {
		logger.Error("关闭订阅服务器失败", zap.Error(err))
	}
	if err := http2Server.Shutdown(ctx); err != nil {
		logger.Error("关闭管理 API 服务器失败", zap.Error(err))
	}
	if http3Server != nil {
		if err := http3Server.Shutdown(ctx); err != nil {
			logger.Error("关闭 HTTP/3 服务器失败", zap.Error(err))
		}
	}

	logger.Info("✓ 所有服务器已停止")
}
