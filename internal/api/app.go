package api

import (
	"github.com/rebeccapanel/Rebecca-sub001/db"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/config"
	"github.com/rebeccapanel/Rebecca-sub001/internal/nodeclient"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
)

// App 应用实例，持有所有处理器共享的依赖
type App struct {
	Config    *config.Config
	DB        *db.Manager
	Issuer    *auth.TokenIssuer
	Codec     *auth.KeyCodec
	Registry  *service.NodeRegistry
	Ledger    *service.UsageLedger
	Scheduler *service.QuotaResetScheduler
	Nodes     *nodeclient.Client
}

// NewApp 创建新的应用实例
func NewApp(cfg *config.Config, dbManager *db.Manager, issuer *auth.TokenIssuer,
	codec *auth.KeyCodec, registry *service.NodeRegistry, ledger *service.UsageLedger,
	scheduler *service.QuotaResetScheduler, nodes *nodeclient.Client) *App {
	return &App{
		Config:    cfg,
		DB:        dbManager,
		Issuer:    issuer,
		Codec:     codec,
		Registry:  registry,
		Ledger:    ledger,
		Scheduler: scheduler,
		Nodes:     nodes,
	}
}
