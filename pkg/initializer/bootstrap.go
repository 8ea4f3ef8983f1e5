package initializer

import (
	"fmt"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// EnsureBootstrapAdmin 库中没有任何管理员时创建初始 sudo 管理员。
// 已有管理员则不做任何事，配置中的引导口令被忽略
func EnsureBootstrapAdmin(mgr *db.Manager, username, password string) error {
	count, err := mgr.DB.SQLite.CountAdmins()
	if err != nil {
		return fmt.Errorf("统计管理员失败: %w", err)
	}
	if count > 0 {
		return nil
	}

	if username == "" {
		return fmt.Errorf("引导管理员的用户名不能为空")
	}
	if password == "" {
		password = generateRandomSecret()
		logger.Warn("⚠️  未配置初始管理员密码，已随机生成，请立即修改",
			zap.String("username", username),
			zap.String("password", password))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("生成口令哈希失败: %w", err)
	}

	admin := &dbinit.Admin{
		Username:     username,
		PasswordHash: string(hash),
		Role:         auth.RoleSudo,
	}
	if err := mgr.DB.SQLite.CreateAdmin(admin); err != nil {
		return fmt.Errorf("创建初始管理员失败: %w", err)
	}

	logger.Info("✓ 初始管理员已创建",
		zap.String("username", username),
		zap.String("role", admin.Role))
	return nil
}
