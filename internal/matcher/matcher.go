// Package matcher picks technicians and checks parts stock for maintenance tasks.
package matcher

import (
	"sort"
	"strings"

	"cityflow/internal/domain"
)

// SelectTechnician returns the preferred available technician for deviceType, or nil.
// Preference: specialty match, then lower task load, then higher rating. Ties keep input order.
func SelectTechnician(deviceType string, technicians []domain.Technician) *domain.Technician {
	pool := make([]domain.Technician, 0, len(technicians))
	for _, t := range technicians {
		if t.Available {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		am, bm := specialtyMatches(a, deviceType), specialtyMatches(b, deviceType)
		if am != bm {
			return am
		}
		if a.Tasks != b.Tasks {
			return a.Tasks < b.Tasks
		}
		return a.Rating > b.Rating
	})
	chosen := pool[0]
	return &chosen
}

func specialtyMatches(t domain.Technician, deviceType string) bool {
	return strings.Contains(strings.ToLower(t.Specialty), strings.ToLower(deviceType))
}

// CheckParts reports availability of each required part against stock. Missing SKUs are out of stock.
func CheckParts(required []domain.PartRequirement, stock []domain.PartStock) []domain.PartAvailability {
	bySKU := make(map[string]domain.PartStock, len(stock))
	for _, s := range stock {
		bySKU[s.SKU] = s
	}
	out := make([]domain.PartAvailability, 0, len(required))
	for _, req := range required {
		available := 0
		if s, ok := bySKU[req.SKU]; ok {
			available = s.Available()
		}
		out = append(out, domain.PartAvailability{
			SKU:       req.SKU,
			Required:  req.Quantity,
			Available: available,
			InStock:   available >= req.Quantity,
		})
	}
	return out
}

// AllInStock is true when every checked part is in stock, including the empty list.
func AllInStock(checks []domain.PartAvailability) bool {
	for _, c := range checks {
		if !c.InStock {
			return false
		}
	}
	return true
}
