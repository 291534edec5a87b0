package interactive

import (
	"testing"
	"time"

	"github.com/lumen-protocol/lumen-go/pkg/packet"
	"github.com/lumen-protocol/lumen-go/pkg/registry"
)

func TestColorScaling(t *testing.T) {
	t.Run("HueRange", func(t *testing.T) {
		if got := scaleHue(0); got != 0 {
			t.Errorf("scaleHue(0) = %d, want 0", got)
		}
		if got := scaleHue(360); got != 65535 {
			t.Errorf("scaleHue(360) = %d, want 65535", got)
		}
		if got := scaleHue(120); got != 21845 {
			t.Errorf("scaleHue(120) = %d, want 21845", got)
		}
	})

	t.Run("PercentRange", func(t *testing.T) {
		if got := scalePercent(0); got != 0 {
			t.Errorf("scalePercent(0) = %d, want 0", got)
		}
		if got := scalePercent(100); got != 65535 {
			t.Errorf("scalePercent(100) = %d, want 65535", got)
		}
		if got := scalePercent(50); got != 32768 {
			t.Errorf("scalePercent(50) = %d, want 32768", got)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		deg := hueDegrees(scaleHue(120))
		if deg < 119.9 || deg > 120.1 {
			t.Errorf("hueDegrees(scaleHue(120)) = %f, want ~120", deg)
		}
		pct := percentOf(scalePercent(80))
		if pct < 79.9 || pct > 80.1 {
			t.Errorf("percentOf(scalePercent(80)) = %f, want ~80", pct)
		}
	})
}

func TestParseColorArgs(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		color, transition, err := parseColorArgs([]string{"120", "100", "80", "3500"})
		if err != nil {
			t.Fatalf("parseColorArgs() error = %v", err)
		}
		want := packet.Color{Hue: 21845, Saturation: 65535, Brightness: 52428, Kelvin: 3500}
		if color != want {
			t.Errorf("parseColorArgs() color = %+v, want %+v", color, want)
		}
		if transition != 0 {
			t.Errorf("parseColorArgs() transition = %v, want 0", transition)
		}
	})

	t.Run("WithTransition", func(t *testing.T) {
		_, transition, err := parseColorArgs([]string{"0", "0", "100", "2700", "500ms"})
		if err != nil {
			t.Fatalf("parseColorArgs() error = %v", err)
		}
		if transition != 500*time.Millisecond {
			t.Errorf("parseColorArgs() transition = %v, want 500ms", transition)
		}
	})

	t.Run("HueOutOfRange", func(t *testing.T) {
		if _, _, err := parseColorArgs([]string{"400", "50", "50", "3500"}); err == nil {
			t.Error("parseColorArgs() accepted hue 400")
		}
	})

	t.Run("NegativeSaturation", func(t *testing.T) {
		if _, _, err := parseColorArgs([]string{"120", "-5", "50", "3500"}); err == nil {
			t.Error("parseColorArgs() accepted saturation -5")
		}
	})

	t.Run("BadKelvin", func(t *testing.T) {
		if _, _, err := parseColorArgs([]string{"120", "50", "50", "hot"}); err == nil {
			t.Error("parseColorArgs() accepted kelvin \"hot\"")
		}
	})

	t.Run("BadTransition", func(t *testing.T) {
		if _, _, err := parseColorArgs([]string{"120", "50", "50", "3500", "fast"}); err == nil {
			t.Error("parseColorArgs() accepted transition \"fast\"")
		}
	})
}

func TestResolveSerial(t *testing.T) {
	reg := registry.NewRegistry()
	for _, serial := range []string{"d073d5000001", "d073d5000002", "aabbcc000001"} {
		reg.Devices[serial] = &registry.Device{Serial: serial}
	}

	t.Run("Exact", func(t *testing.T) {
		if got := resolveSerial(reg, "d073d5000002"); got != "d073d5000002" {
			t.Errorf("resolveSerial() = %q, want d073d5000002", got)
		}
	})

	t.Run("Partial", func(t *testing.T) {
		if got := resolveSerial(reg, "aabbcc"); got != "aabbcc000001" {
			t.Errorf("resolveSerial() = %q, want aabbcc000001", got)
		}
	})

	t.Run("PartialPicksFirstSorted", func(t *testing.T) {
		if got := resolveSerial(reg, "d073d5"); got != "d073d5000001" {
			t.Errorf("resolveSerial() = %q, want d073d5000001", got)
		}
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		if got := resolveSerial(reg, "AABBCC"); got != "aabbcc000001" {
			t.Errorf("resolveSerial() = %q, want aabbcc000001", got)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		if got := resolveSerial(reg, "ffffff"); got != "" {
			t.Errorf("resolveSerial() = %q, want empty", got)
		}
	})
}

func TestPowerString(t *testing.T) {
	if got := powerString(packet.PowerOff); got != "off" {
		t.Errorf("powerString(PowerOff) = %q, want off", got)
	}
	if got := powerString(packet.PowerOn); got != "on" {
		t.Errorf("powerString(PowerOn) = %q, want on", got)
	}
	if got := powerString(1); got != "on" {
		t.Errorf("powerString(1) = %q, want on", got)
	}
}

func TestColorString(t *testing.T) {
	got := colorString(packet.Color{Hue: 21845, Saturation: 65535, Brightness: 52428, Kelvin: 3500})
	want := "hue 120, sat 100%, bri 80%, 3500K"
	if got != want {
		t.Errorf("colorString() = %q, want %q", got, want)
	}
}
