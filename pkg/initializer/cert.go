package initializer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// InitCertificates 生成自签 CA 与服务器证书，写入 certDir。
// CA 十年有效；服务器证书 90 天，到期靠重新引导或外部证书替换
func InitCertificates(certDir string) error {
	if err := os.MkdirAll(certDir, 0755); err != nil {
		return fmt.Errorf("创建证书目录失败: %w", err)
	}

	caKey, caCert, err := generateCA()
	if err != nil {
		return fmt.Errorf("生成CA证书失败: %w", err)
	}
	if err := writePEM(filepath.Join(certDir, "ca-key.pem"), "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(caKey)); err != nil {
		return err
	}
	if err := writePEM(filepath.Join(certDir, "ca-cert.pem"), "CERTIFICATE", caCert.Raw); err != nil {
		return err
	}

	serverKey, serverCert, err := generateServerCert(caKey, caCert)
	if err != nil {
		return fmt.Errorf("生成服务器证书失败: %w", err)
	}
	if err := writePEM(filepath.Join(certDir, "server-key.pem"), "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(serverKey)); err != nil {
		return err
	}
	return writePEM(filepath.Join(certDir, "server-cert.pem"), "CERTIFICATE", serverCert.Raw)
}

func randomSerial() *big.Int {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return serial
}

// generateCA 生成自签名根证书
func generateCA() (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			CommonName:   "Rebecca Root CA",
			Organization: []string{"Rebecca"},
			Country:      []string{"CN"},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            2,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// generateServerCert 用 CA 签发服务器证书，兼做客户端证书（节点互联）
func generateServerCert(caKey *rsa.PrivateKey, caCert *x509.Certificate) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			CommonName:   "Rebecca Server",
			Organization: []string{"Rebecca"},
		},
		NotBefore:   now,
		NotAfter:    now.AddDate(0, 0, 90),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{"localhost", "*.rebecca.local"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// writePEM 把 DER 内容编码成单个 PEM 块落盘
func writePEM(filename, blockType string, der []byte) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
