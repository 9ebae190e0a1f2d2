package domain

// ---------------- Operadores ----------------

type Operator string

const (
	OpEq  Operator = "="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// ---------------- Criterion ----------------

// Criterion describe una condición neutral de filtrado. Field es el nombre de
// columna; los repositorios lo traducen a SQL con placeholders.
type Criterion struct {
	Field string
	Op    Operator
	Value interface{}
}

// Criteria permite transformar filtros a condiciones neutrales
type Criteria interface {
	ToConditions() []Criterion
}

// Conditions es la implementación mínima de Criteria: una lista ya construida.
type Conditions []Criterion

func (c Conditions) ToConditions() []Criterion { return c }

// Eq añade una condición de igualdad solo si el valor no es vacío, útil para
// filtros opcionales que llegan desde query params.
func (c Conditions) Eq(field, value string) Conditions {
	if value == "" {
		return c
	}
	return append(c, Criterion{Field: field, Op: OpEq, Value: value})
}

// And concatena las condiciones de varios criterios.
func And(criterias ...Criteria) Conditions {
	var all Conditions
	for _, crit := range criterias {
		if crit == nil {
			continue
		}
		all = append(all, crit.ToConditions()...)
	}
	return all
}

// Eq crea un criterio de igualdad opcional.
func Eq(field, value string) Conditions {
	return Conditions{}.Eq(field, value)
}
