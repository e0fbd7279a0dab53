package nibe

import (
	"testing"

	"github.com/matryer/is"
	"github.com/openheat/nibe-mgmt/pkg/types"
)

func TestNormalizeSnapshotFillsDefaults(t *testing.T) {
	is := is.New(t)

	payload := []byte(`{
		"40004": {"value": {"value": 123}}
	}`)

	points, err := NormalizeSnapshot(payload)
	is.NoErr(err)
	is.Equal(len(points), 1)

	p := points[0]
	is.Equal(p.PointID, 40004)
	is.Equal(p.RegisterID, "-")
	is.Equal(p.RegisterType, types.RegisterTypeUnknown)
	is.Equal(p.Scale, 1)
	is.Equal(p.VariableType, "-")
	is.Equal(p.VariableSize, "-")
	is.Equal(p.RawValue, 123)
	is.Equal(p.Writable, false)
}

func TestNormalizeSnapshotDerivesDecimalsFromScale(t *testing.T) {
	is := is.New(t)

	payload := []byte(`{
		"40008": {
			"value": {"value": 500},
			"metadata": {"register": "40008", "type": "INPUT", "scale": 10, "unit": "°C"}
		}
	}`)

	points, err := NormalizeSnapshot(payload)
	is.NoErr(err)
	is.Equal(len(points), 1)

	is.Equal(points[0].DecimalPlaces, 1)
	is.Equal(points[0].DisplayValue, "50.0 °C")
}

func TestNormalizeSnapshotKeepsExplicitDecimals(t *testing.T) {
	is := is.New(t)

	payload := []byte(`{
		"43084": {
			"value": {"value": 1250},
			"metadata": {"scale": 100, "decimals": 2}
		}
	}`)

	points, err := NormalizeSnapshot(payload)
	is.NoErr(err)
	is.Equal(points[0].DisplayValue, "12.50")
}

func TestNormalizeSnapshotSkipsNonIntegerKeys(t *testing.T) {
	is := is.New(t)

	payload := []byte(`{
		"timestamp": {"value": {"value": 1}},
		"40004": {"value": {"value": 2}},
		"40005": {"value": {"value": 3}}
	}`)

	points, err := NormalizeSnapshot(payload)
	is.NoErr(err)
	is.Equal(len(points), 2)
	is.Equal(points[0].PointID, 40004)
	is.Equal(points[1].PointID, 40005)
}

func TestNormalizeSnapshotRejectsBrokenPayload(t *testing.T) {
	is := is.New(t)

	_, err := NormalizeSnapshot([]byte(`not json`))
	is.True(err != nil)
}

func TestFormatValueWithoutScale(t *testing.T) {
	is := is.New(t)

	is.Equal(FormatValue(42, 1, 0, ""), "42")
	is.Equal(FormatValue(42, 1, 0, "Hz"), "42 Hz")
	is.Equal(FormatValue(-15, 1, 0, ""), "-15")
}

func TestComputedValue(t *testing.T) {
	is := is.New(t)

	is.Equal(ComputedValue(500, 10), 50.0)
	is.Equal(ComputedValue(42, 1), 42.0)
	is.Equal(ComputedValue(-3276, 1000), -3.276)
}
