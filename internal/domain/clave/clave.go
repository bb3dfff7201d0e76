// Package clave: generación de la clave numérica de 50 dígitos de los
// comprobantes electrónicos de Costa Rica (resolución DGT-R-48-2016, Art. 4).
//
// Estructura (50 dígitos):
//
//	506 DDMMAA CCCCCCCCCCCC SSSTTTTTDDNNNNNNNNNN XXXXXXXX V
//	 3     6        12               20              8     1
//
// país, fecha, cédula del emisor, consecutivo (sucursal+terminal+tipo+secuencia),
// código de seguridad y dígito verificador módulo 10.
package clave

import (
	"fmt"
	"strings"
	"time"

	"github.com/tu-usuario/factura-cr/internal/domain"
	"github.com/tu-usuario/factura-cr/pkg/hacienda"
)

// CountryCode código telefónico de país que encabeza toda clave costarricense.
const CountryCode = "506"

// Params contiene los datos para componer la clave. Generate es una función
// pura de estos campos: el llamador es responsable de reservar Sequence
// exactamente una vez por documento y de fijar SecurityCode una sola vez
// (rehacer la clave con otro código de seguridad rompe el reintento).
type Params struct {
	EmitterID    string    // cédula del emisor, hasta 12 dígitos
	Branch       string    // sucursal, 3 dígitos (ej: 001)
	Terminal     string    // terminal/punto de venta, 5 dígitos (ej: 00001)
	DocType      string    // tipo de comprobante, 2 dígitos (catálogo hacienda)
	Sequence     int64     // secuencia por tipo de documento, 1..9999999999
	Date         time.Time // fecha de emisión (se toma DDMMAA)
	SecurityCode string    // código de seguridad, 8 dígitos, fijo por documento
}

// Generate compone la clave de 50 dígitos. Falla con domain.ErrInvalidInput
// si algún campo no cabe en su ancho fijo o no es numérico. No tiene efectos
// secundarios ni fuentes de aleatoriedad propias.
func Generate(p Params) (string, error) {
	consecutive, err := Consecutive(p)
	if err != nil {
		return "", err
	}

	cedula := hacienda.NormalizeID(p.EmitterID)
	if cedula == "" {
		return "", domain.Wrap(domain.ErrInvalidInput, "cédula del emisor vacía o no numérica: %q", p.EmitterID)
	}
	if len(cedula) > 12 {
		return "", domain.Wrap(domain.ErrInvalidInput, "cédula del emisor excede 12 dígitos: %q", p.EmitterID)
	}
	cedula = zeroPad(cedula, 12)

	if p.Date.IsZero() {
		return "", domain.Wrap(domain.ErrInvalidInput, "fecha de emisión requerida")
	}
	dateStr := p.Date.Format("020106") // DDMMAA

	if len(p.SecurityCode) != 8 || !allDigits(p.SecurityCode) {
		return "", domain.Wrap(domain.ErrInvalidInput, "código de seguridad debe ser de 8 dígitos: %q", p.SecurityCode)
	}

	body := CountryCode + dateStr + cedula + consecutive + p.SecurityCode
	key := body + checkDigit(body)
	if len(key) != 50 {
		return "", domain.Wrap(domain.ErrInvalidInput, "largo de clave inesperado: %d", len(key))
	}
	return key, nil
}

// Consecutive compone el NumeroConsecutivo de 20 dígitos que la clave embebe
// y que el XML repite como elemento propio: sucursal(3) + terminal(5) +
// tipo de documento(2) + secuencia(10).
func Consecutive(p Params) (string, error) {
	if len(p.Branch) != 3 || !allDigits(p.Branch) {
		return "", domain.Wrap(domain.ErrInvalidInput, "sucursal debe ser de 3 dígitos: %q", p.Branch)
	}
	if len(p.Terminal) != 5 || !allDigits(p.Terminal) {
		return "", domain.Wrap(domain.ErrInvalidInput, "terminal debe ser de 5 dígitos: %q", p.Terminal)
	}
	if !hacienda.ValidDocumentTypeCodes[p.DocType] {
		return "", domain.Wrap(domain.ErrInvalidInput, "tipo de documento fuera de catálogo: %q", p.DocType)
	}
	if p.Sequence < 1 || p.Sequence > 9999999999 {
		return "", domain.Wrap(domain.ErrInvalidInput, "secuencia fuera de rango [1, 9999999999]: %d", p.Sequence)
	}
	return p.Branch + p.Terminal + p.DocType + fmt.Sprintf("%010d", p.Sequence), nil
}

// Verify valida largo, composición numérica y dígito verificador de una clave.
func Verify(key string) bool {
	if len(key) != 50 || !allDigits(key) {
		return false
	}
	return checkDigit(key[:49]) == key[49:]
}

// checkDigit calcula el dígito verificador módulo 10 (duplicación alternada
// desde la derecha, estilo Luhn).
func checkDigit(body string) string {
	total := 0
	for i := 0; i < len(body); i++ {
		n := int(body[len(body)-1-i] - '0')
		if i%2 == 0 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		total += n
	}
	return string(rune('0' + (10-total%10)%10))
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
