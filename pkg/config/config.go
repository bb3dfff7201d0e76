package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config agrupa la configuración de la aplicación (lectura vía Viper desde env y opcionalmente archivo).
type Config struct {
	App      AppConfig
	Hacienda HaciendaConfig
	Store    StoreConfig
}

// AppConfig configuración general de la aplicación.
type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

// HaciendaConfig configuración para comprobantes electrónicos (Costa Rica, v4.4).
type HaciendaConfig struct {
	Environment string // "sandbox" o "production"; selecciona endpoints del API y del IDP
	Username    string // usuario ATV (cpf-...@...)
	Password    string // contraseña ATV
	CertPath    string // ruta al certificado .p12 emitido por el BCCR
	CertPin     string // PIN del .p12
	KeyPath     string // llave .pem separada (solo si CertPath es un .pem)

	// Identidad del emisor (van en el XML y en la clave)
	EmitterName     string
	EmitterID       string // cédula física o jurídica, solo dígitos
	EmitterEmail    string
	EmitterPhone    string
	CommercialName  string
	ActivityCode    string // código CIIU, mínimo 6 dígitos en v4.4
	LocationCode    string // PCCDD(BBBBB): provincia-cantón-distrito(-barrio)
	OtherAddress    string // OtrasSenas
	ProviderID      string // ProveedorSistemas; si vacío se usa EmitterID
	Branch          string // sucursal, 3 dígitos (default 001)
	Terminal        string // terminal, 5 dígitos (default 00001)
}

// StoreConfig configuración del almacén local de consecutivos.
type StoreConfig struct {
	Path string // archivo sqlite; ":memory:" para pruebas
}

// Load lee la configuración desde variables de entorno (y opcionalmente desde archivo).
// Las env vars tienen prioridad. Nombres esperados: APP_ENV, HACIENDA_USERNAME, etc.
func Load() (*Config, error) {
	v := viper.New()

	// Opcional: archivo de configuración (.env o config.env)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			Name:     getString(v, "APP_NAME", "factura-cr"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		Hacienda: HaciendaConfig{
			Environment:    getString(v, "HACIENDA_ENV", "sandbox"),
			Username:       getString(v, "HACIENDA_USERNAME", ""),
			Password:       getString(v, "HACIENDA_PASSWORD", ""),
			CertPath:       getString(v, "HACIENDA_CERT_PATH", ""),
			CertPin:        getString(v, "HACIENDA_CERT_PIN", ""),
			KeyPath:        getString(v, "HACIENDA_CERT_KEY_PATH", ""),
			EmitterName:    getString(v, "HACIENDA_EMITTER_NAME", ""),
			EmitterID:      getString(v, "HACIENDA_EMITTER_ID", ""),
			EmitterEmail:   getString(v, "HACIENDA_EMITTER_EMAIL", ""),
			EmitterPhone:   getString(v, "HACIENDA_EMITTER_PHONE", ""),
			CommercialName: getString(v, "HACIENDA_COMMERCIAL_NAME", ""),
			ActivityCode:   getString(v, "HACIENDA_ACTIVITY_CODE", ""),
			LocationCode:   getString(v, "HACIENDA_LOCATION_CODE", "10101"),
			OtherAddress:   getString(v, "HACIENDA_OTHER_ADDRESS", ""),
			ProviderID:     getString(v, "HACIENDA_PROVIDER_ID", ""),
			Branch:         getString(v, "HACIENDA_BRANCH", "001"),
			Terminal:       getString(v, "HACIENDA_TERMINAL", "00001"),
		},
		Store: StoreConfig{
			Path: getString(v, "STORE_PATH", "facturacr.db"),
		},
	}

	return cfg, nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case int:
			return v.GetInt(key)
		case string:
			n, _ := strconv.Atoi(v.GetString(key))
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}
