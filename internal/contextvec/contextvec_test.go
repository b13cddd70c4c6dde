package contextvec

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

func TestConstructIsPure(t *testing.T) {
	raw := RawFeatures{
		FusionMean:           0.76,
		FusionVariance:       0.04,
		PredictionSetSize:    n(2),
		SafetyCritical:       true,
		LightingQuality:      f(0.9),
		ImageClarity:         f(0.8),
		PropertyAgeYears:     f(42),
		DamageSiteCount:      n(3),
		DetectorDisagreement: 0.12,
		OODScore:             f(0.2),
		Region:               "west",
	}

	a := Construct(raw)
	b := Construct(raw)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("construct not deterministic (-a +b):\n%s", diff)
	}
}

func TestConstructDefaults(t *testing.T) {
	v := Construct(RawFeatures{FusionMean: 0.5})

	if v[IdxPredictionSetSize] != 0.5 {
		t.Errorf("prediction set default = %g, want 0.5 (size 4 of 8)", v[IdxPredictionSetSize])
	}
	if v[IdxLightingQuality] != 0.5 || v[IdxImageClarity] != 0.5 {
		t.Errorf("lighting/clarity defaults = %g/%g, want 0.5/0.5",
			v[IdxLightingQuality], v[IdxImageClarity])
	}
	if v[IdxPropertyAge] != 0.3 {
		t.Errorf("property age default = %g, want 0.3 (30 of 100 years)", v[IdxPropertyAge])
	}
	if v[IdxDamageSiteCount] != 0.1 {
		t.Errorf("damage site default = %g, want 0.1", v[IdxDamageSiteCount])
	}
	if v[IdxOODScore] != 0.5 {
		t.Errorf("ood default = %g, want 0.5", v[IdxOODScore])
	}
	if v[IdxRegion] != EncodeRegion("unknown") {
		t.Errorf("region default should encode \"unknown\"")
	}
	if v[IdxSafetyCritical] != 0 {
		t.Errorf("safety critical flag = %g, want 0", v[IdxSafetyCritical])
	}
}

func TestConstructClampsOutOfRange(t *testing.T) {
	v := Construct(RawFeatures{
		FusionMean:           1.7,
		FusionVariance:       -0.2,
		DetectorDisagreement: math.NaN(),
		PropertyAgeYears:     f(500),
	})
	if v[IdxFusionMean] != 1.0 {
		t.Errorf("fusion mean = %g, want clamp to 1", v[IdxFusionMean])
	}
	if v[IdxFusionVariance] != 0 {
		t.Errorf("fusion variance = %g, want clamp to 0", v[IdxFusionVariance])
	}
	if v[IdxDetectorDisagreement] != 0 {
		t.Errorf("NaN disagreement should clamp to 0, got %g", v[IdxDetectorDisagreement])
	}
	if v[IdxPropertyAge] != 1.0 {
		t.Errorf("property age = %g, want clamp to 1", v[IdxPropertyAge])
	}
}

func TestValidate(t *testing.T) {
	good := make([]float64, Dim)
	if err := Validate(good); err != nil {
		t.Fatalf("valid vector rejected: %v", err)
	}

	if err := Validate(make([]float64, Dim-1)); err == nil {
		t.Fatal("short vector accepted")
	}
	if err := Validate(make([]float64, Dim+1)); err == nil {
		t.Fatal("long vector accepted")
	}

	bad := make([]float64, Dim)
	bad[7] = math.NaN()
	if err := Validate(bad); err == nil {
		t.Fatal("NaN entry accepted")
	}
	bad[7] = math.Inf(1)
	if err := Validate(bad); err == nil {
		t.Fatal("Inf entry accepted")
	}
}

func TestEncodersDeterministicAndBounded(t *testing.T) {
	for _, s := range []string{"west", "east", "unknown", ""} {
		a := EncodeRegion(s)
		b := EncodeRegion(s)
		if a != b {
			t.Fatalf("EncodeRegion(%q) not stable: %g vs %g", s, a, b)
		}
		if a < 0 || a >= 1 {
			t.Fatalf("EncodeRegion(%q) = %g, outside [0,1)", s, a)
		}
	}
	if EncodeRegion("west") == EncodeRegion("east") {
		t.Fatal("distinct regions should encode differently")
	}
}

func TestPropertyAgeBin(t *testing.T) {
	cases := []struct {
		years float64
		want  string
	}{
		{-1, "unknown"},
		{0, "0-5"},
		{5, "0-5"},
		{12, "6-15"},
		{30, "16-30"},
		{44, "31-50"},
		{90, "50+"},
	}
	for _, c := range cases {
		if got := PropertyAgeBin(c.years); got != c.want {
			t.Errorf("PropertyAgeBin(%g) = %q, want %q", c.years, got, c.want)
		}
	}
}
