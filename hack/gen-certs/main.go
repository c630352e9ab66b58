// Command gen-certs writes a CA plus server and client certificates for
// running the control plane with mutual TLS.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// clients maps file prefixes to certificate common names.
var clients = map[string]string{
	"client-admin":     "admin",
	"client-kubelet":   "kubelet",
	"client-cm":        "controller-manager",
	"client-scheduler": "scheduler",
	"client-proxy":     "proxy",
}

func main() {
	var (
		outDir   string
		hosts    []string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:          "gen-certs",
		Short:        "Generate a CA and the control plane certificates",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return generate(outDir, hosts, validFor)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory the PEM files are written to")
	cmd.Flags().StringSliceVar(&hosts, "hosts", []string{"127.0.0.1", "localhost"}, "IP and DNS names of the API server")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func generate(outDir string, hosts []string, validFor time.Duration) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	log.Info("Generating CA...")
	caKey, caDER, err := generateCert("K8s-Lite-CA", nil, nil, true, validFor)
	if err != nil {
		return err
	}
	if err := save(outDir, "ca", caKey, caDER); err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	log.WithField("hosts", hosts).Info("Generating Server Cert...")
	key, der, err := generateCert("k8s-lite-apiserver", caCert, caKey, false, validFor, hosts...)
	if err != nil {
		return err
	}
	if err := save(outDir, "server", key, der); err != nil {
		return err
	}

	for prefix, cn := range clients {
		log.WithField("cn", cn).Info("Generating Client Cert...")
		key, der, err := generateCert(cn, caCert, caKey, false, validFor)
		if err != nil {
			return err
		}
		if err := save(outDir, prefix, key, der); err != nil {
			return err
		}
	}
	log.WithField("dir", outDir).Info("Done! Certificates generated.")
	return nil
}

func generateCert(cn string, parentCert *x509.Certificate, parentKey *rsa.PrivateKey, isCA bool, validFor time.Duration, sans ...string) (*rsa.PrivateKey, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"K8s-Lite"},
			CommonName:   cn,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if isCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	}
	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, s)
		}
	}

	// Self-signed without a parent.
	parent, signKey := template, priv
	if parentCert != nil {
		parent, signKey = parentCert, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &priv.PublicKey, signKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign %s: %w", cn, err)
	}
	return priv, der, nil
}

func save(dir, name string, priv *rsa.PrivateKey, der []byte) error {
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0o600); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(filepath.Join(dir, name+".pem"), certPEM, 0o644)
}
