// Almacén del consecutivo por tipo de comprobante. El consecutivo es
// monotónico y nunca se reutiliza, incluso entre reinicios del proceso; por
// eso vive en SQLite y no en memoria.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tu-usuario/factura-cr/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS consecutivos (
    tipo_documento TEXT PRIMARY KEY,
    siguiente      INTEGER NOT NULL
);`

// SequenceStore asigna consecutivos por tipo de documento. Seguro para uso
// concurrente: cada asignación es una transacción.
type SequenceStore struct {
	db *sql.DB
}

// NewSequenceStore abre (o crea) la base en path y prepara el esquema.
// Usar ":memory:" en pruebas.
func NewSequenceStore(path string) (*SequenceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("abrir base de consecutivos: %w", err)
	}
	// SQLite serializa escrituras; una sola conexión evita SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparar esquema de consecutivos: %w", err)
	}
	return &SequenceStore{db: db}, nil
}

// Next asigna y devuelve el siguiente consecutivo del tipo indicado,
// empezando en 1. El valor devuelto jamás se repite para ese tipo.
func (s *SequenceStore) Next(ctx context.Context, docType string) (int64, error) {
	if docType == "" {
		return 0, domain.Wrap(domain.ErrInvalidInput, "tipo de documento vacío")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("iniciar transacción: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO consecutivos (tipo_documento, siguiente) VALUES (?, 1)
		ON CONFLICT (tipo_documento) DO UPDATE SET siguiente = siguiente + 1
		RETURNING siguiente`, docType).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("asignar consecutivo %s: %w", docType, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("confirmar consecutivo %s: %w", docType, err)
	}
	return next, nil
}

// Current devuelve el último consecutivo asignado del tipo, 0 si ninguno.
func (s *SequenceStore) Current(ctx context.Context, docType string) (int64, error) {
	var current int64
	err := s.db.QueryRowContext(ctx,
		`SELECT siguiente FROM consecutivos WHERE tipo_documento = ?`, docType).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("consultar consecutivo %s: %w", docType, err)
	}
	return current, nil
}

// Close cierra la base.
func (s *SequenceStore) Close() error {
	return s.db.Close()
}
