// Carga de certificado de firma desde .p12 (PKCS#12 del BCCR) o par PEM.

package hacienda

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/tu-usuario/factura-cr/internal/domain"
)

// LoadP12 decodifica un bundle PKCS#12 (certificado + llave privada) con su PIN.
// El PIN puede ser vacío si el archivo no está protegido. La carga es
// idempotente y no muta el bundle; el tls.Certificate resultante es de solo
// lectura y seguro para uso concurrente entre documentos.
func LoadP12(data []byte, pin string) (tls.Certificate, error) {
	if len(data) == 0 {
		return tls.Certificate{}, domain.Wrap(domain.ErrCertificateDecode, "bundle vacío")
	}
	priv, cert, err := pkcs12.Decode(data, pin)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return tls.Certificate{}, domain.Wrap(domain.ErrWrongPassphrase, "%v", err)
		}
		return tls.Certificate{}, domain.Wrap(domain.ErrCertificateDecode, "%v", err)
	}
	// pkcs12.Decode devuelve un solo certificado; para Hacienda basta la hoja.
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  priv,
		Leaf:        cert,
	}, nil
}

// LoadP12File carga el bundle desde disco.
func LoadP12File(path, pin string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("leer p12: %w", err)
	}
	return LoadP12(data, pin)
}

// LoadPEM carga certificado y llave desde archivos PEM (separados o combinados).
func LoadPEM(certPath, keyPath string) (tls.Certificate, error) {
	if keyPath == "" {
		keyPath = certPath
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, domain.Wrap(domain.ErrCertificateDecode, "cargar PEM: %v", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, perr := x509.ParseCertificate(cert.Certificate[0]); perr == nil {
			cert.Leaf = leaf
		}
	}
	return cert, nil
}

// CertInfo metadata descriptiva del certificado de firma.
type CertInfo struct {
	SubjectCN       string
	SubjectOrg      string
	Issuer          string
	Serial          string
	NotBefore       time.Time
	NotAfter        time.Time
	DaysUntilExpiry int
	IsValid         bool // false fuera de [NotBefore, NotAfter]
}

// Info extrae la metadata del certificado evaluada contra now. El orquestador
// la consulta antes de cada intento de firma: firmar con certificado vencido
// debe fallar rápido, nunca producir una firma inverificable.
func Info(cert tls.Certificate, now time.Time) (CertInfo, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return CertInfo{}, domain.Wrap(domain.ErrCertificateDecode, "certificado sin hoja")
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return CertInfo{}, domain.Wrap(domain.ErrCertificateDecode, "parsear hoja: %v", err)
		}
		leaf = parsed
	}
	org := ""
	if len(leaf.Subject.Organization) > 0 {
		org = leaf.Subject.Organization[0]
	}
	return CertInfo{
		SubjectCN:       leaf.Subject.CommonName,
		SubjectOrg:      org,
		Issuer:          leaf.Issuer.String(),
		Serial:          leaf.SerialNumber.String(),
		NotBefore:       leaf.NotBefore,
		NotAfter:        leaf.NotAfter,
		DaysUntilExpiry: int(leaf.NotAfter.Sub(now).Hours() / 24),
		IsValid:         !now.Before(leaf.NotBefore) && !now.After(leaf.NotAfter),
	}, nil
}
