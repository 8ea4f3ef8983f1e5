package sub

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/metrics"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// payloadTTL 订阅响应缓存时长
const payloadTTL = 5 * time.Minute

// Handler 订阅文档处理器。
//
// 对未认证调用方，格式非法与键不存在一律表现为 404，
// 不暴露任何可用于试探键格式的差别。
type Handler struct {
	db     *db.Manager
	issuer *auth.TokenIssuer
	codec  *auth.KeyCodec
}

// NewHandler 创建订阅文档处理器
func NewHandler(dbManager *db.Manager, issuer *auth.TokenIssuer, codec *auth.KeyCodec) *Handler {
	return &Handler{
		db:     dbManager,
		issuer: issuer,
		codec:  codec,
	}
}

// ServeByKey 凭据键路径（主路径与所有别名模板共用）
func (h *Handler) ServeByKey(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["key"]

	key, err := h.codec.NormalizeKey(raw)
	if err != nil {
		h.notFound(w)
		return
	}

	user, err := h.db.DB.SQLite.GetUserByCredentialKey(key)
	if err != nil {
		h.serverError(w, err)
		return
	}

	h.serveUser(w, user)
}

// ServeByToken 订阅令牌路径。令牌主题可以是用户ID或凭据键
func (h *Handler) ServeByToken(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	subject, err := h.issuer.VerifySubscriptionToken(token)
	if err != nil || subject == "" {
		h.notFound(w)
		return
	}

	user, err := h.db.DB.SQLite.GetUser(subject)
	if err != nil {
		h.serverError(w, err)
		return
	}
	if user == nil {
		if key, kerr := h.codec.NormalizeKey(subject); kerr == nil {
			user, err = h.db.DB.SQLite.GetUserByCredentialKey(key)
			if err != nil {
				h.serverError(w, err)
				return
			}
		}
	}

	h.serveUser(w, user)
}

// serveUser 校验用户可用性并写出订阅文档
func (h *Handler) serveUser(w http.ResponseWriter, user *dbinit.User) {
	if user == nil || !user.CredentialKey.Valid || !servable(user.Status) {
		h.notFound(w)
		return
	}

	key := user.CredentialKey.String

	// 缓存命中时原样回放，保证别名间字节一致
	if h.db.HasCache() {
		if payload, err := h.db.Cache.Redis.GetSubscriptionPayload(key); err == nil && payload != "" {
			metrics.SubscriptionRequests.WithLabelValues("cached").Inc()
			h.writeDocument(w, user, []byte(payload))
			return
		}
	}

	doc, err := h.buildDocument(user)
	if err != nil {
		h.serverError(w, err)
		return
	}

	if h.db.HasCache() {
		if err := h.db.Cache.Redis.SetSubscriptionPayload(key, string(doc), payloadTTL); err != nil {
			logger.Debug("订阅缓存写入失败", zap.Error(err))
		}
	}

	metrics.SubscriptionRequests.WithLabelValues("served").Inc()
	h.writeDocument(w, user, doc)
}

// writeDocument 写出订阅响应
func (h *Handler) writeDocument(w http.ResponseWriter, user *dbinit.User, doc []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if user.DataLimit.Valid {
		w.Header().Set("Subscription-Userinfo",
			fmt.Sprintf("upload=0; download=%d; total=%d; expire=0",
				user.UsedTraffic, user.DataLimit.Int64))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// notFound 未认证表面的统一拒绝响应
func (h *Handler) notFound(w http.ResponseWriter) {
	metrics.SubscriptionRequests.WithLabelValues("not_found").Inc()
	http.Error(w, "not found", http.StatusNotFound)
}

// serverError 存储故障响应
func (h *Handler) serverError(w http.ResponseWriter, err error) {
	metrics.SubscriptionRequests.WithLabelValues("error").Inc()
	logger.Error("订阅请求处理失败", zap.Error(err))
	http.Error(w, "server error", http.StatusInternalServerError)
}

// servable 该状态的用户是否可获取订阅文档
func servable(status dbinit.UserStatus) bool {
	switch status {
	case dbinit.UserStatusActive, dbinit.UserStatusLimited, dbinit.UserStatusOnHold:
		return true
	}
	return false
}
