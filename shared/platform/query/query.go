package query

// ---------- Tipos de paginación / ordenamiento ----------

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// OffsetPagination para paginación clásica
type OffsetPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize aplica los límites por defecto: sin límite -> DefaultLimit,
// nunca más de MaxLimit ni offsets negativos.
func (p OffsetPagination) Normalize() OffsetPagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Sort indica campo y dirección.
type Sort struct {
	Field string // ej. "created_at"
	Desc  bool
}

func (s Sort) Direction() string {
	if s.Desc {
		return "DESC"
	}
	return "ASC"
}
