package initializer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rebeccapanel/Rebecca-sub001/internal/config"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// IsFirstRun 检查是否首次运行
func IsFirstRun(configPath string) bool {
	_, err := os.Stat(configPath)
	return os.IsNotExist(err)
}

// InitConfig 初始化配置文件
func InitConfig(configPath string) error {
	// 确保目录存在
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	// 生成默认配置，初始管理员密码随机生成
	cfg := config.DefaultConfig()
	cfg.Auth.BootstrapPassword = generateRandomSecret()

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}

	logger.Info("✓ 配置文件已生成", zap.String("path", configPath))
	logger.Info("✓ 初始管理员密码已写入配置文件",
		zap.String("username", cfg.Auth.BootstrapAdmin))
	return nil
}

// InitDirectories 初始化必要的目录
func InitDirectories() error {
	dirs := []string{
		"./data",
		"./logs",
		"./certs",
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}

	return nil
}

// generateRandomSecret 生成随机密钥
func generateRandomSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("rebecca-secret-%d", os.Getpid())
	}
	return hex.EncodeToString(buf)
}

// PrintWelcome 打印欢迎信息
func PrintWelcome() {
	welcome := `
╔═══════════════════════════════════════════════════════╗
║                                                       ║
║  ██████╗ ███████╗██████╗ ███████╗ ██████╗ ██████╗ █████╗
║  ██╔══██╗██╔════╝██╔══██╗██╔════╝██╔════╝██╔════╝██╔══██╗
║  ██████╔╝█████╗  ██████╔╝█████╗  ██║     ██║     ███████║
║  ██╔══██╗██╔══╝  ██╔══██╗██╔══╝  ██║     ██║     ██╔══██║
║  ██║  ██║███████╗██████╔╝███████╗╚██████╗╚██████╗██║  ██║
║  ╚═╝  ╚═╝╚══════╝╚═════╝ ╚══════╝ ╚═════╝ ╚═════╝╚═╝  ╚═╝
║                                                       ║
║            Multi-Node Proxy Control Plane             ║
║                      v1.0.0                           ║
║                                                       ║
╚═══════════════════════════════════════════════════════╝
`
	fmt.Println(welcome)
}
