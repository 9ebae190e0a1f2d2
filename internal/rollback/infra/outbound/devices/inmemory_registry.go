package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/davicafu/fleetguard/internal/rollback/domain"
)

// Device es un dispositivo con la versión que ejecuta de cada artefacto,
// indexada por "<targetType>/<targetId>".
type Device struct {
	Code     string            `json:"code"`
	Versions map[string]string `json:"versions"`
}

func versionKey(targetType domain.TargetType, targetID string) string {
	return string(targetType) + "/" + targetID
}

// InMemoryRegistry es el inventario local. Se usa en modo standalone (cargado
// desde un fichero JSON) y en los tests, donde permite inyectar fallos.
type InMemoryRegistry struct {
	mu       sync.Mutex
	devices  map[string]*Device
	failures map[string]error
	applied  []Application
}

// Application es una llamada a ApplyVersion que tuvo éxito.
type Application struct {
	DeviceCode string
	Version    string
}

func NewInMemoryRegistry(devices ...Device) *InMemoryRegistry {
	r := &InMemoryRegistry{devices: make(map[string]*Device), failures: make(map[string]error)}
	r.Seed(devices...)
	return r
}

// LoadFile lee una lista de Device en JSON.
func LoadFile(path string) (*InMemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device inventory: %w", err)
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse device inventory %s: %w", path, err)
	}
	return NewInMemoryRegistry(devices...), nil
}

func (r *InMemoryRegistry) Seed(devices ...Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		versions := make(map[string]string, len(d.Versions))
		for k, v := range d.Versions {
			versions[k] = v
		}
		r.devices[d.Code] = &Device{Code: d.Code, Versions: versions}
	}
}

// Install fija la versión de un artefacto en un dispositivo, creándolo si no existe.
func (r *InMemoryRegistry) Install(code string, targetType domain.TargetType, targetID, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[code]
	if !ok {
		d = &Device{Code: code, Versions: map[string]string{}}
		r.devices[code] = d
	}
	d.Versions[versionKey(targetType, targetID)] = version
}

// FailOn hace que ApplyVersion falle para el dispositivo; nil lo desactiva.
func (r *InMemoryRegistry) FailOn(code string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, code)
		return
	}
	r.failures[code] = err
}

func (r *InMemoryRegistry) ListDevices(ctx context.Context, targetType domain.TargetType, targetID, version string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := versionKey(targetType, targetID)
	var out []string
	for code, d := range r.devices {
		if d.Versions[key] == version {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *InMemoryRegistry) ApplyVersion(ctx context.Context, code string, targetType domain.TargetType, targetID, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[code]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, code)
	}
	if err := r.failures[code]; err != nil {
		return err
	}
	d.Versions[versionKey(targetType, targetID)] = version
	r.applied = append(r.applied, Application{DeviceCode: code, Version: version})
	return nil
}

// Version devuelve la versión actual del artefacto en el dispositivo.
func (r *InMemoryRegistry) Version(code string, targetType domain.TargetType, targetID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[code]; ok {
		return d.Versions[versionKey(targetType, targetID)]
	}
	return ""
}

// Applied devuelve las aplicaciones correctas en orden.
func (r *InMemoryRegistry) Applied() []Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Application(nil), r.applied...)
}
