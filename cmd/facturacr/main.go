// facturacr emite comprobantes electrónicos v4.4 contra Hacienda (Costa
// Rica): genera la clave, construye y firma el XML, lo envía al API de
// recepción y consulta el veredicto.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tu-usuario/factura-cr/internal/application/billing"
	"github.com/tu-usuario/factura-cr/internal/domain/clave"
	"github.com/tu-usuario/factura-cr/internal/domain/document"
	infra "github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda"
	"github.com/tu-usuario/factura-cr/internal/infrastructure/hacienda/signer"
	"github.com/tu-usuario/factura-cr/internal/infrastructure/sqlite"
	"github.com/tu-usuario/factura-cr/pkg/config"
	cat "github.com/tu-usuario/factura-cr/pkg/hacienda"
	"github.com/tu-usuario/factura-cr/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cargar configuración: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	root := &cobra.Command{
		Use:           "facturacr",
		Short:         "Emisión de comprobantes electrónicos v4.4 (Hacienda, Costa Rica)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newEmitirCmd(cfg, log),
		newEstadoCmd(cfg, log),
		newClaveCmd(cfg),
		newCertCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("comando fallido")
		os.Exit(1)
	}
}

// ── emitir ────────────────────────────────────────────────────────────────────

func newEmitirCmd(cfg *config.Config, log *logger.Logger) *cobra.Command {
	var (
		docType string
		wait    bool
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "emitir <snapshot.json>",
		Short: "Genera, firma y envía un comprobante a partir de un snapshot JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(args[0], cfg.Hacienda)
			if err != nil {
				return err
			}
			ctrl, closer, err := buildController(cfg, log)
			if err != nil {
				return err
			}
			defer closer()

			code, ok := cat.DocumentTypeCodes[strings.ToUpper(docType)]
			if !ok {
				return fmt.Errorf("tipo de comprobante desconocido %q (usar FE|TE|NC|ND)", docType)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			doc := ctrl.NewDocument(code, snap)
			if err := ctrl.Process(ctx, doc); err != nil {
				return fmt.Errorf("clave %s en estado %s: %w", doc.Clave, doc.State, err)
			}
			if err := writeArtifacts(outDir, doc); err != nil {
				return err
			}
			fmt.Printf("clave:  %s\nestado: %s\n", doc.Clave, doc.State)

			if wait {
				if err := ctrl.Poll(ctx, doc); err != nil {
					return err
				}
				fmt.Printf("veredicto: %s", doc.State)
				if doc.ResponseMessage != "" {
					fmt.Printf(" (%s)", doc.ResponseMessage)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&docType, "tipo", "t", "FE", "tipo de comprobante: FE, TE, NC o ND")
	cmd.Flags().BoolVarP(&wait, "esperar", "w", false, "consultar el veredicto tras el envío")
	cmd.Flags().StringVarP(&outDir, "salida", "o", ".", "directorio donde escribir los XML")
	return cmd
}

// ── estado ────────────────────────────────────────────────────────────────────

func newEstadoCmd(cfg *config.Config, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "estado <clave>",
		Short: "Consulta el veredicto de una clave en Hacienda",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := infra.NewAPIClient(infra.ClientConfig{
				Environment: cfg.Hacienda.Environment,
				Username:    cfg.Hacienda.Username,
				Password:    cfg.Hacienda.Password,
				Logger:      log,
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			status, err := client.CheckStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("estado: %s", status.State)
			if status.RemoteCode != "" {
				fmt.Printf(" (ind-estado: %s)", status.RemoteCode)
			}
			fmt.Println()
			if status.Message != "" {
				fmt.Println(status.Message)
			}
			return nil
		},
	}
}

// ── clave ─────────────────────────────────────────────────────────────────────

func newClaveCmd(cfg *config.Config) *cobra.Command {
	var (
		docType  string
		sequence int64
		security string
		date     string
	)
	cmd := &cobra.Command{
		Use:   "clave",
		Short: "Compone una clave de 50 dígitos sin tocar el contador",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, ok := cat.DocumentTypeCodes[strings.ToUpper(docType)]
			if !ok {
				return fmt.Errorf("tipo de comprobante desconocido %q (usar FE|TE|NC|ND)", docType)
			}
			issueDate := time.Now()
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("fecha inválida %q (usar AAAA-MM-DD): %w", date, err)
				}
				issueDate = parsed
			}
			key, err := clave.Generate(clave.Params{
				EmitterID:    cfg.Hacienda.EmitterID,
				Branch:       cfg.Hacienda.Branch,
				Terminal:     cfg.Hacienda.Terminal,
				DocType:      code,
				Sequence:     sequence,
				Date:         issueDate,
				SecurityCode: security,
			})
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().StringVarP(&docType, "tipo", "t", "FE", "tipo de comprobante: FE, TE, NC o ND")
	cmd.Flags().Int64VarP(&sequence, "secuencia", "s", 1, "consecutivo del tipo de comprobante")
	cmd.Flags().StringVar(&security, "codigo-seguridad", "00000001", "código de seguridad de 8 dígitos")
	cmd.Flags().StringVar(&date, "fecha", "", "fecha de emisión AAAA-MM-DD (default hoy)")
	return cmd
}

// ── cert ──────────────────────────────────────────────────────────────────────

func newCertCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Operaciones sobre el certificado de firma",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Muestra titular, emisor y vigencia del certificado configurado",
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := loadCertificate(cfg.Hacienda)
			if err != nil {
				return err
			}
			info, err := infra.Info(cert, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("titular:  %s (%s)\n", info.SubjectCN, info.SubjectOrg)
			fmt.Printf("emisor:   %s\n", info.Issuer)
			fmt.Printf("serial:   %s\n", info.Serial)
			fmt.Printf("vigencia: %s → %s\n",
				info.NotBefore.Format("2006-01-02"), info.NotAfter.Format("2006-01-02"))
			if info.IsValid {
				fmt.Printf("estado:   vigente (%d días restantes)\n", info.DaysUntilExpiry)
			} else {
				fmt.Println("estado:   FUERA DE VIGENCIA")
			}
			return nil
		},
	})
	return cmd
}

// ── wiring ────────────────────────────────────────────────────────────────────

func buildController(cfg *config.Config, log *logger.Logger) (*billing.Controller, func(), error) {
	cert, err := loadCertificate(cfg.Hacienda)
	if err != nil {
		return nil, nil, err
	}
	seq, err := sqlite.NewSequenceStore(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	client, err := infra.NewAPIClient(infra.ClientConfig{
		Environment: cfg.Hacienda.Environment,
		Username:    cfg.Hacienda.Username,
		Password:    cfg.Hacienda.Password,
		Logger:      log,
	})
	if err != nil {
		seq.Close()
		return nil, nil, err
	}
	ctrl := billing.NewController(
		seq,
		infra.NewBuilderService(),
		signer.NewService(),
		client,
		cert,
		billing.Config{
			EmitterID: cfg.Hacienda.EmitterID,
			Branch:    cfg.Hacienda.Branch,
			Terminal:  cfg.Hacienda.Terminal,
		},
		log,
	)
	return ctrl, func() { seq.Close() }, nil
}

func loadCertificate(cfg config.HaciendaConfig) (tls.Certificate, error) {
	if cfg.CertPath == "" {
		return tls.Certificate{}, fmt.Errorf("HACIENDA_CERT_PATH no configurado")
	}
	lower := strings.ToLower(cfg.CertPath)
	if strings.HasSuffix(lower, ".p12") || strings.HasSuffix(lower, ".pfx") {
		return infra.LoadP12File(cfg.CertPath, cfg.CertPin)
	}
	return infra.LoadPEM(cfg.CertPath, cfg.KeyPath)
}

// loadSnapshot lee el snapshot desde JSON y completa el emisor con la
// configuración cuando el archivo no lo trae.
func loadSnapshot(path string, cfg config.HaciendaConfig) (*document.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("leer snapshot: %w", err)
	}
	var snap document.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot ilegible: %w", err)
	}
	if snap.Emitter.ID == "" {
		snap.Emitter = document.Party{
			Name:           cfg.EmitterName,
			ID:             cfg.EmitterID,
			CommercialName: cfg.CommercialName,
			Email:          cfg.EmitterEmail,
			Phone:          cfg.EmitterPhone,
			LocationCode:   cfg.LocationCode,
			OtherAddress:   cfg.OtherAddress,
			ActivityCode:   cfg.ActivityCode,
			ProviderID:     cfg.ProviderID,
		}
	}
	if snap.IssueDate.IsZero() {
		snap.IssueDate = time.Now()
	}
	return &snap, nil
}

func writeArtifacts(dir string, doc *document.Document) error {
	xmlPath := fmt.Sprintf("%s/%s.xml", dir, doc.Clave)
	signedPath := fmt.Sprintf("%s/%s-firmado.xml", dir, doc.Clave)
	if err := os.WriteFile(xmlPath, doc.RawXML, 0o644); err != nil {
		return fmt.Errorf("escribir XML: %w", err)
	}
	if err := os.WriteFile(signedPath, doc.SignedXML, 0o644); err != nil {
		return fmt.Errorf("escribir XML firmado: %w", err)
	}
	return nil
}
