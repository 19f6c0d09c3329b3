package auth

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultClientCAPath = "/etc/ssl/certs/client-ca.pem"
	defaultTokensFile   = "/etc/cloud-volume-agent/api-tokens"
)

// Config names the credential files the validator loads. Missing files
// disable that kind of authentication.
type Config struct {
	ClientCAPath string
	TokensFile   string
}

// ConfigFromEnv reads CLIENT_CA_CERT and API_TOKENS_FILE.
func ConfigFromEnv() Config {
	cfg := Config{
		ClientCAPath: os.Getenv("CLIENT_CA_CERT"),
		TokensFile:   os.Getenv("API_TOKENS_FILE"),
	}
	if cfg.ClientCAPath == "" {
		cfg.ClientCAPath = defaultClientCAPath
	}
	if cfg.TokensFile == "" {
		cfg.TokensFile = defaultTokensFile
	}
	return cfg
}

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool
	apiTokens      []string
}

// NewValidator creates a new authentication validator
func NewValidator(cfg Config) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
	}

	if err := validator.loadClientCAs(cfg.ClientCAPath); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	if err := validator.loadAPITokens(cfg.TokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"client_ca_loaded": validator.clientCALoaded,
		"api_tokens":       len(validator.apiTokens),
	}).Info("Authentication configured")

	return validator, nil
}

func (v *Validator) loadClientCAs(path string) error {
	caCert, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert %s", path)
	}

	v.clientCALoaded = true
	return nil
}

// loadAPITokens reads one token per line; blank lines and # comments are skipped.
func (v *Validator) loadAPITokens(path string) error {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" && !strings.HasPrefix(token, "#") {
			v.apiTokens = append(v.apiTokens, token)
		}
	}

	return nil
}

// Enabled reports whether any credential source was loaded.
func (v *Validator) Enabled() bool {
	return v.clientCALoaded || len(v.apiTokens) > 0
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.validateAPIToken(c) {
			c.Next()
			return
		}

		// Verified chains are only present when the TLS handshake checked
		// the peer against the client CA pool.
		if tlsState := c.Request.TLS; tlsState != nil && len(tlsState.VerifiedChains) > 0 {
			c.Next()
			return
		}

		logrus.WithFields(logrus.Fields{
			"remote_addr": c.ClientIP(),
			"path":        c.FullPath(),
		}).Warn("Rejected unauthenticated request")

		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    http.StatusUnauthorized,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	token := c.GetHeader("X-API-Token")
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return false
	}

	for _, known := range v.apiTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(known)) == 1 {
			return true
		}
	}
	return false
}

// ServerTLSConfig loads the server key pair. When client CAs are loaded,
// client certificates are verified against them if presented.
func (v *Validator) ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if v.clientCALoaded {
		cfg.ClientCAs = v.clientCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// GetClientCAs returns the client CA certificate pool
func (v *Validator) GetClientCAs() *x509.CertPool {
	return v.clientCAs
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}
