package nibe

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/openheat/nibe-mgmt/pkg/types"
)

type rawValue struct {
	Value *int `json:"value"`
}

type rawMetadata struct {
	Title        *string `json:"title"`
	Register     *string `json:"register"`
	RegisterType *string `json:"type"`
	Scale        *int    `json:"scale"`
	Decimals     *int    `json:"decimals"`
	Unit         *string `json:"unit"`
	VariableType *string `json:"variableType"`
	VariableSize *string `json:"variableSize"`
	Min          *int    `json:"min"`
	Max          *int    `json:"max"`
	Writable     *bool   `json:"writable"`
}

type rawPoint struct {
	Value    *rawValue    `json:"value"`
	Metadata *rawMetadata `json:"metadata"`
}

// NormalizeSnapshot converts the provider's loosely shaped per-point payload
// into fully populated snapshots. Missing optional fields are filled with
// defaults so that nothing downstream has to deal with payload variability.
// Only an unparseable top level is an error.
func NormalizeSnapshot(raw []byte) ([]types.PointSnapshot, error) {
	payload := map[string]rawPoint{}

	err := json.Unmarshal(raw, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode point snapshot: %w", err)
	}

	snapshots := make([]types.PointSnapshot, 0, len(payload))

	for key, rp := range payload {
		pointID, err := strconv.Atoi(key)
		if err != nil {
			continue
		}

		snapshots = append(snapshots, normalizePoint(pointID, rp))
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].PointID < snapshots[j].PointID
	})

	return snapshots, nil
}

func normalizePoint(pointID int, rp rawPoint) types.PointSnapshot {
	s := types.PointSnapshot{
		Point: types.Point{
			PointID:      pointID,
			RegisterID:   "-",
			RegisterType: types.RegisterTypeUnknown,
			Scale:        1,
			VariableType: "-",
			VariableSize: "-",
		},
	}

	if rp.Value != nil && rp.Value.Value != nil {
		s.RawValue = *rp.Value.Value
	}

	if md := rp.Metadata; md != nil {
		if md.Title != nil {
			s.Title = *md.Title
		}
		if md.Register != nil {
			s.RegisterID = *md.Register
		}
		if md.RegisterType != nil {
			s.RegisterType = *md.RegisterType
		}
		if md.Scale != nil && *md.Scale > 0 {
			s.Scale = *md.Scale
		}
		if md.Decimals != nil {
			s.DecimalPlaces = *md.Decimals
		}
		if md.Unit != nil {
			s.Unit = *md.Unit
		}
		if md.VariableType != nil {
			s.VariableType = *md.VariableType
		}
		if md.VariableSize != nil {
			s.VariableSize = *md.VariableSize
		}
		if md.Min != nil {
			s.Min = *md.Min
		}
		if md.Max != nil {
			s.Max = *md.Max
		}
		if md.Writable != nil {
			s.Writable = *md.Writable
		}

		if s.DecimalPlaces == 0 && s.Scale > 1 {
			s.DecimalPlaces = decimalsFromScale(s.Scale)
		}
	}

	s.DisplayValue = FormatValue(s.RawValue, s.Scale, s.DecimalPlaces, s.Unit)

	return s
}

// decimalsFromScale derives the display precision from the divisor when the
// payload does not carry an explicit decimals field, so a raw 500 with
// scale 10 renders as "50.0" rather than "50".
func decimalsFromScale(scale int) int {
	return int(math.Round(math.Log10(float64(scale))))
}

// FormatValue renders the scaled display value with unit suffix.
func FormatValue(rawValue, scale, decimals int, unit string) string {
	var display string

	if scale > 1 {
		display = strconv.FormatFloat(float64(rawValue)/float64(scale), 'f', decimals, 64)
	} else {
		display = strconv.Itoa(rawValue)
	}

	if unit != "" {
		display += " " + unit
	}

	return display
}

// ComputedValue is the scaled numeric value used by the export filters.
func ComputedValue(rawValue, scale int) float64 {
	if scale > 1 {
		return float64(rawValue) / float64(scale)
	}
	return float64(rawValue)
}
