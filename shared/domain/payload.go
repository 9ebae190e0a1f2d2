package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload es el valor estructurado opaco (input, output, payload, metadata...)
// tal y como se guarda en la base de datos. La lógica de negocio no trabaja con
// él directamente: construye vistas tipadas con Decode.
type Payload map[string]any

// NewPayload convierte cualquier struct serializable en un Payload.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("payload: value is not an object: %w", err)
	}
	return p, nil
}

// MustPayload es NewPayload para literales conocidos en tests y constantes.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode rellena dest (un puntero a struct) con el contenido del payload.
func (p Payload) Decode(dest any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("payload: decode: %w", err)
	}
	return nil
}

// String devuelve el campo key si es un string, o "" en otro caso.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone hace una copia superficial para no compartir el mapa entre goroutines.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Value implementa driver.Valuer: se guarda como texto JSON (TEXT / JSONB).
func (p Payload) Value() (driver.Value, error) {
	return JSONValue(p)
}

// Scan implementa sql.Scanner.
func (p *Payload) Scan(src any) error {
	var out Payload
	if err := ScanJSON(src, &out); err != nil {
		return err
	}
	if out == nil {
		out = Payload{}
	}
	*p = out
	return nil
}

// ------------------ Helpers JSON para columnas ------------------

// JSONValue serializa v para guardarlo en una columna JSON. nil se guarda como "{}".
func JSONValue(v any) (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return "{}", nil
	}
	return string(data), nil
}

// ScanJSON deserializa una columna JSON ([]byte o string según el driver).
func ScanJSON(src any, dest any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("json column: unsupported type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
