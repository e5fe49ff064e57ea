// Package tlsutil builds crypto/tls configurations for the NATS transporter
// and the metrics endpoint.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/nodemesh/errors"
)

// ClientConfig describes TLS for outbound connections. The system CA pool is
// always trusted; CAFiles add to it. CertFile and KeyFile enable mutual TLS.
type ClientConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// ServerConfig describes TLS for a listening endpoint. ClientCAFiles turn on
// client certificate verification; AllowedClientCNs narrows it further.
type ServerConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	CertFile          string   `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// Validate checks that the files a configuration needs are named
func (c ClientConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file must be set together", errors.ErrInvalidConfig)
	}
	return validVersion(c.MinVersion)
}

// Validate checks that the files a configuration needs are named
func (c ServerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("%w: tls cert_file and key_file are required", errors.ErrInvalidConfig)
	}
	if c.RequireClientCert && len(c.ClientCAFiles) == 0 {
		return fmt.Errorf("%w: require_client_cert needs client_ca_files", errors.ErrInvalidConfig)
	}
	return validVersion(c.MinVersion)
}

// LoadClient returns the tls.Config for cfg, or nil when TLS is disabled
func LoadClient(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAs(rootCAs, cfg.CAFiles, "LoadClient"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:    rootCAs,
		ServerName: cfg.ServerName,
		MinVersion: parseVersion(cfg.MinVersion),
		// operator opt-in through configuration
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClient", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// LoadServer returns the tls.Config for cfg, or nil when TLS is disabled
func LoadServer(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServer", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}

	clientCAs := x509.NewCertPool()
	if err := appendCAs(clientCAs, cfg.ClientCAFiles, "LoadServer"); err != nil {
		return nil, err
	}
	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := append([]string(nil), cfg.AllowedClientCNs...)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

func appendCAs(pool *x509.CertPool, files []string, method string) error {
	for _, file := range files {
		caPEM, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", method,
				fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return nil
}

// verifyClientCN accepts the leaf of the first verified chain when its CN is
// listed
func verifyClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		// optional client cert that was not presented
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	for _, a := range allowed {
		if cn == a {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

func validVersion(v string) error {
	switch v {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("%w: tls min_version %q must be 1.2 or 1.3", errors.ErrInvalidConfig, v)
	}
}

// parseVersion maps "1.2" and "1.3" to crypto/tls constants. Anything else
// yields TLS 1.2.
func parseVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
