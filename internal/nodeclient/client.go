package nodeclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

// Client 节点管理面 HTTP 客户端。
// 每个节点按自身的 TLS 材料与出站代理构造独立 Transport，
// 所有请求都受调用方 context 与客户端超时双重约束。
type Client struct {
	timeout time.Duration
}

// New 创建节点客户端
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout}
}

// baseURL 节点管理面地址
func baseURL(node *dbinit.Node) (string, error) {
	if !node.Address.Valid || node.Address.String == "" {
		return "", fmt.Errorf("node %s has no address", node.ID)
	}
	port := int64(62050)
	if node.APIPort.Valid {
		port = node.APIPort.Int64
	}

	scheme := "http"
	if node.TLSEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(node.Address.String, fmt.Sprintf("%d", port))), nil
}

// httpClient 按节点的 TLS 与代理配置构造客户端
func (c *Client) httpClient(node *dbinit.Node) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   c.timeout,
		ResponseHeaderTimeout: c.timeout,
		MaxIdleConnsPerHost:   2,
	}

	if node.TLSEnabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if node.TLSCert.Valid && node.TLSCert.String != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(node.TLSCert.String)) {
				return nil, fmt.Errorf("node %s has invalid TLS certificate", node.ID)
			}
			tlsConfig.RootCAs = pool
		}
		transport.TLSClientConfig = tlsConfig
	}

	if node.ProxyHost.Valid && node.ProxyHost.String != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   node.ProxyHost.String,
		}
		if node.ProxyPort.Valid {
			proxyURL.Host = net.JoinHostPort(node.ProxyHost.String, fmt.Sprintf("%d", node.ProxyPort.Int64))
		}
		if node.ProxyUser.Valid && node.ProxyUser.String != "" {
			password := ""
			if node.ProxyPass.Valid {
				password = node.ProxyPass.String
			}
			proxyURL.User = url.UserPassword(node.ProxyUser.String, password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}, nil
}

// Probe 探测节点管理面是否存活
func (c *Client) Probe(ctx context.Context, node *dbinit.Node) error {
	base, err := baseURL(node)
	if err != nil {
		return err
	}
	client, err := c.httpClient(node)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", node.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", node.ID, resp.StatusCode)
	}
	return nil
}

// PushConfig 向节点推送配置快照
func (c *Client) PushConfig(ctx context.Context, node *dbinit.Node, payload interface{}) error {
	base, err := baseURL(node)
	if err != nil {
		return err
	}
	client, err := c.httpClient(node)
	if err != nil {
		return err
	}
	defer client.CloseIdleConnections()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/config", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push config to %s: %w", node.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("push config to %s: unexpected status %d", node.ID, resp.StatusCode)
	}
	return nil
}
