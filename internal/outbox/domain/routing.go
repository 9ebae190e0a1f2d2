package domain

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type PublishMode string

const (
	ModeCDC     PublishMode = "cdc"
	ModePolling PublishMode = "polling"
)

const (
	DefaultPollingInterval  = 5000
	DefaultPollingBatchSize = 100
)

// RoutingConfig decide por qué camino y con qué transformación sale un tipo de evento.
type RoutingConfig struct {
	EventType          string      `json:"eventType"`
	PublishMode        PublishMode `json:"publishMode"`
	CDCEnabled         bool        `json:"cdcEnabled"`
	PollingIntervalMs  int         `json:"pollingIntervalMs"`
	PollingBatchSize   int         `json:"pollingBatchSize"`
	RequiresProcessing bool        `json:"requiresProcessing"`
	ProcessorClass     string      `json:"processorClass,omitempty"`
	IsActive           bool        `json:"isActive"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

func (r RoutingConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EventType, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.PublishMode, validation.Required, validation.In(ModeCDC, ModePolling)),
		validation.Field(&r.PollingIntervalMs, validation.Required, validation.Min(100), validation.Max(3600000)),
		validation.Field(&r.PollingBatchSize, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&r.ProcessorClass, validation.When(r.RequiresProcessing, validation.Required)),
	)
}

// DefaultRouting es la ruta de un tipo sin configuración: polling con los
// valores por defecto.
func DefaultRouting(eventType string) RoutingConfig {
	return RoutingConfig{
		EventType:         eventType,
		PublishMode:       ModePolling,
		PollingIntervalMs: DefaultPollingInterval,
		PollingBatchSize:  DefaultPollingBatchSize,
		IsActive:          true,
	}
}

// StreamsOverCDC indica si el camino CDC es el responsable del tipo.
func (r RoutingConfig) StreamsOverCDC() bool {
	return r.IsActive && r.PublishMode == ModeCDC && r.CDCEnabled
}

func (r RoutingConfig) PollingInterval() time.Duration {
	return time.Duration(r.PollingIntervalMs) * time.Millisecond
}
