package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio del pipeline de facturación electrónica (sin dependencias externas).
// La política de reintentos del orquestador se decide con errors.Is sobre estos centinelas:
// solo ErrTransport es reintentable automáticamente.
var (
	// ErrInvalidInput campos de la clave fuera de su ancho fijo o no numéricos.
	ErrInvalidInput = errors.New("entrada inválida")
	// ErrSchemaViolation el snapshot no cumple el esquema v4.4 (campo obligatorio ausente, tarifa fuera de catálogo).
	ErrSchemaViolation = errors.New("violación de esquema")
	// ErrCertificateDecode el bundle .p12 está corrupto o no es PKCS#12.
	ErrCertificateDecode = errors.New("certificado ilegible")
	// ErrWrongPassphrase el PIN del .p12 no descifra la llave.
	ErrWrongPassphrase = errors.New("PIN de certificado incorrecto")
	// ErrCertificateExpired la hora actual está fuera de [NotBefore, NotAfter].
	ErrCertificateExpired = errors.New("certificado vencido o aún no vigente")
	// ErrSigningKey la llave privada no es utilizable para RSA-SHA256.
	ErrSigningKey = errors.New("llave de firma inutilizable")
	// ErrSignatureConsistency el digest post-firma no reproduce el digest pre-firma.
	ErrSignatureConsistency = errors.New("inconsistencia de canonicalización en la firma")
	// ErrAuthentication el IDP o el API rechazó las credenciales; no se reintenta.
	ErrAuthentication = errors.New("autenticación rechazada por Hacienda")
	// ErrTransport fallo de red o 5xx; reintentable con backoff.
	ErrTransport = errors.New("fallo de transporte")
	// ErrRemoteRejection Hacienda rechazó el documento; terminal para esta clave.
	ErrRemoteRejection = errors.New("documento rechazado por Hacienda")
	// ErrSubmissionConflict ya hay un envío en vuelo para la misma clave.
	ErrSubmissionConflict = errors.New("envío concurrente para la misma clave")
	// ErrInvalidTransition el estado actual del documento no admite la operación.
	ErrInvalidTransition = errors.New("transición de estado inválida")
)

// Wrap envuelve un centinela con detalle legible, preservando errors.Is.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Retriable indica si el error admite reintento automático con backoff.
// Solo los fallos de transporte lo son; los errores de datos, certificado
// o rechazo remoto deben llegar al operador.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransport)
}
