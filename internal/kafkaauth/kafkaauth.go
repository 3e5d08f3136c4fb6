// Package kafkaauth builds kafka-go transports and dialers from SASL/TLS settings.
package kafkaauth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"firestige.xyz/skylink/internal/config"
)

const dialTimeout = 10 * time.Second

// Mechanism returns the SASL mechanism for c, or nil when SASL is disabled.
func Mechanism(c config.SASLConfig) (sasl.Mechanism, error) {
	if !c.Enabled {
		return nil, nil
	}
	switch c.Mechanism {
	case "", "PLAIN":
		return plain.Mechanism{Username: c.Username, Password: c.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.Username, c.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.Username, c.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", c.Mechanism)
	}
}

// TLS returns the client TLS configuration for c, or nil when TLS is disabled.
func TLS(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if c.CACert != "" {
		pem, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACert)
		}
		out.RootCAs = pool
	}
	if c.ClientCert != "" || c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// Transport returns a writer transport, or nil when neither SASL nor TLS is enabled.
func Transport(s config.SASLConfig, t config.TLSConfig) (*kafka.Transport, error) {
	mech, tlsCfg, err := build(s, t)
	if err != nil || (mech == nil && tlsCfg == nil) {
		return nil, err
	}
	return &kafka.Transport{SASL: mech, TLS: tlsCfg, DialTimeout: dialTimeout}, nil
}

// Dialer returns a reader dialer, or nil when neither SASL nor TLS is enabled.
func Dialer(s config.SASLConfig, t config.TLSConfig) (*kafka.Dialer, error) {
	mech, tlsCfg, err := build(s, t)
	if err != nil || (mech == nil && tlsCfg == nil) {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		SASLMechanism: mech,
		TLS:           tlsCfg,
	}, nil
}

func build(s config.SASLConfig, t config.TLSConfig) (sasl.Mechanism, *tls.Config, error) {
	mech, err := Mechanism(s)
	if err != nil {
		return nil, nil, err
	}
	tlsCfg, err := TLS(t)
	if err != nil {
		return nil, nil, err
	}
	return mech, tlsCfg, nil
}
