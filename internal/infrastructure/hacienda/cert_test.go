package hacienda_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tu-usuario/factura-cr/internal/domain"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
)

func selfSigned(t *testing.T, notBefore, notAfter time.Time) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(778899),
		Subject: pkix.Name{
			CommonName:   "JUAN PEREZ ROJAS (FIRMA)",
			Organization: []string{"PERSONA FISICA"},
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestLoadP12_BundleCorrupto(t *testing.T) {
	_, err := infra.LoadP12([]byte("esto no es un p12"), "1234")
	assert.ErrorIs(t, err, domain.ErrCertificateDecode)
}

func TestLoadP12_BundleVacio(t *testing.T) {
	_, err := infra.LoadP12(nil, "1234")
	assert.ErrorIs(t, err, domain.ErrCertificateDecode)
}

func TestLoadP12File_ArchivoInexistente(t *testing.T) {
	_, err := infra.LoadP12File("/no/existe/cert.p12", "1234")
	assert.Error(t, err)
}

func TestLoadPEM_ArchivoInexistente(t *testing.T) {
	_, err := infra.LoadPEM("/no/existe/cert.pem", "/no/existe/key.pem")
	assert.ErrorIs(t, err, domain.ErrCertificateDecode)
}

func TestInfo_CertificadoVigente(t *testing.T) {
	ahora := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cert := selfSigned(t, ahora.Add(-30*24*time.Hour), ahora.Add(100*24*time.Hour))

	info, err := infra.Info(cert, ahora)
	require.NoError(t, err)
	assert.True(t, info.IsValid)
	assert.Equal(t, "JUAN PEREZ ROJAS (FIRMA)", info.SubjectCN)
	assert.Equal(t, "PERSONA FISICA", info.SubjectOrg)
	assert.Equal(t, "778899", info.Serial)
	assert.InDelta(t, 100, info.DaysUntilExpiry, 1)
}

func TestInfo_FueraDeVentana(t *testing.T) {
	ahora := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	vencido := selfSigned(t, ahora.Add(-60*24*time.Hour), ahora.Add(-24*time.Hour))
	info, err := infra.Info(vencido, ahora)
	require.NoError(t, err)
	assert.False(t, info.IsValid, "certificado vencido no es válido")
	assert.Negative(t, info.DaysUntilExpiry)

	futuro := selfSigned(t, ahora.Add(24*time.Hour), ahora.Add(60*24*time.Hour))
	info, err = infra.Info(futuro, ahora)
	require.NoError(t, err)
	assert.False(t, info.IsValid, "certificado aún no vigente no es válido")
}

func TestInfo_SinHoja(t *testing.T) {
	_, err := infra.Info(tls.Certificate{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrCertificateDecode)
}
