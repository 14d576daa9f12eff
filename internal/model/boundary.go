package model

// Boundary is a named administrative area imported from a boundary shapefile.
// NameNorm is the normalized lookup key (NFC, case-folded).
type Boundary struct {
	Name     string  `json:"name" db:"name"`
	NameNorm string  `json:"name_norm" db:"name_norm"`
	Level    string  `json:"level,omitempty" db:"level"`
	South    float64 `json:"south" db:"south"`
	North    float64 `json:"north" db:"north"`
	West     float64 `json:"west" db:"west"`
	East     float64 `json:"east" db:"east"`
}
