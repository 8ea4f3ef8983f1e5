package sub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"

	"github.com/google/uuid"
)

// buildDocument 构建用户的订阅文档：每个可服务节点、每个协议一条链接，
// 换行连接后整体 base64。节点与协议都按固定顺序排列，同一凭据键在
// 任何路径下产出的字节完全一致。
func (h *Handler) buildDocument(user *dbinit.User) ([]byte, error) {
	nodes, err := h.db.DB.SQLite.ListNodes("", 1000, 0)
	if err != nil {
		return nil, err
	}

	served := make([]*dbinit.Node, 0, len(nodes))
	for _, node := range nodes {
		if !linkable(node) {
			continue
		}
		served = append(served, node)
	}
	sort.Slice(served, func(i, j int) bool { return served[i].ID < served[j].ID })

	links := make([]string, 0, len(served)*len(auth.AllProtocols))
	for _, node := range served {
		for _, protocol := range auth.AllProtocols {
			id, err := h.codec.KeyToUUID(user.CredentialKey.String, protocol)
			if err != nil {
				return nil, fmt.Errorf("expand key for %s: %w", protocol, err)
			}

			link, err := buildLink(protocol, node, id)
			if err != nil {
				return nil, err
			}
			links = append(links, link)
		}
	}

	plain := strings.Join(links, "\n")
	return []byte(base64.StdEncoding.EncodeToString([]byte(plain))), nil
}

// linkable 节点是否进入订阅文档：有地址与业务端口、未被管理员
// 或配额摘除的真实节点
func linkable(node *dbinit.Node) bool {
	if node.IsMaster() {
		return false
	}
	if !node.Address.Valid || node.Address.String == "" || !node.Port.Valid {
		return false
	}
	switch node.Status {
	case dbinit.NodeStatusConnected, dbinit.NodeStatusConnecting:
		return true
	}
	return false
}

// buildLink 按协议构建分享链接
func buildLink(protocol auth.Protocol, node *dbinit.Node, id uuid.UUID) (string, error) {
	switch protocol {
	case auth.ProtocolVMess:
		return buildVMessLink(node, id), nil
	case auth.ProtocolVLESS:
		return buildVLESSLink(node, id), nil
	default:
		return "", fmt.Errorf("no link format for protocol %q", protocol)
	}
}

// buildVMessLink vmess 分享链接：vmess://BASE64(JSON)。
// map 序列化按键排序，产物稳定
func buildVMessLink(node *dbinit.Node, id uuid.UUID) string {
	tls := "none"
	if node.TLSEnabled {
		tls = "tls"
	}

	cfg := map[string]string{
		"v":    "2",
		"ps":   node.Name,
		"add":  node.Address.String,
		"port": fmt.Sprintf("%d", node.Port.Int64),
		"id":   id.String(),
		"aid":  "0",
		"scy":  "auto",
		"net":  "tcp",
		"type": "none",
		"tls":  tls,
	}
	data, _ := json.Marshal(cfg)
	return "vmess://" + base64.StdEncoding.EncodeToString(data)
}

// buildVLESSLink vless 分享链接：vless://uuid@host:port?params#name。
// url.Values 编码按键排序，产物稳定
func buildVLESSLink(node *dbinit.Node, id uuid.UUID) string {
	q := url.Values{}
	q.Set("type", "tcp")
	q.Set("encryption", "none")
	if node.TLSEnabled {
		q.Set("security", "tls")
	}

	host := net.JoinHostPort(node.Address.String, fmt.Sprintf("%d", node.Port.Int64))
	return fmt.Sprintf("vless://%s@%s?%s#%s", id, host, q.Encode(), url.PathEscape(node.Name))
}
