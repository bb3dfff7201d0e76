package billing

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/tu-usuario/factura-cr/internal/domain/document"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
)

// Sequencer reserva consecutivos por tipo de comprobante. La implementación
// provista vive en internal/infrastructure/sqlite; la reserva es definitiva,
// un consecutivo asignado nunca se devuelve al pozo.
type Sequencer interface {
	Next(ctx context.Context, docType string) (int64, error)
}

// XMLBuilder serializa un snapshot al XML v4.4 sin firma. Determinista.
type XMLBuilder interface {
	Build(snap *document.Snapshot, docType, clave, consecutivo string) ([]byte, error)
}

// Signer aplica la firma XAdES-EPES envolvente y garantiza que el digest del
// documento sobreviva la inserción de la firma.
type Signer interface {
	Sign(rawXML []byte, cert tls.Certificate) ([]byte, error)
}

// Submitter habla con el API de recepción de Hacienda. Submit entrega el
// comprobante; CheckStatus es idempotente y es la fuente de verdad antes de
// cualquier reenvío.
type Submitter interface {
	Submit(ctx context.Context, clave string, signedXML []byte, emitter, receiver infra.Identity, issuedAt time.Time) (*infra.SubmitResult, error)
	CheckStatus(ctx context.Context, clave string) (*infra.StatusResult, error)
}
