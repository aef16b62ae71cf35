package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadString(t *testing.T) {
	data := `
# board wiring
[spi]
transport: bridge
device = unix:/tmp/bridge   ; trailing comment
mode: 1

[dac63004w]
vref: 3.3
common_config: 0x1249
`
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	if got := cfg.GetSectionNames(); strings.Join(got, ",") != "spi,dac63004w" {
		t.Errorf("section order = %v", got)
	}

	sec, err := cfg.GetSection("spi")
	if err != nil {
		t.Fatalf("GetSection(spi): %v", err)
	}
	dev, err := sec.Get("device")
	if err != nil || dev != "unix:/tmp/bridge" {
		t.Errorf("device = %q, %v", dev, err)
	}
	mode, err := sec.GetInt("MODE")
	if err != nil || mode != 1 {
		t.Errorf("mode = %d, %v", mode, err)
	}

	dac, _ := cfg.GetSection("dac63004w")
	word, err := dac.GetWord("common_config")
	if err != nil || word != 0x1249 {
		t.Errorf("common_config = 0x%04x, %v", word, err)
	}
}

func TestLoadStringErrors(t *testing.T) {
	bad := map[string]string{
		"option before section": "mode: 1\n[spi]\n",
		"empty header":          "[]\n",
		"no separator":          "[spi]\njust a word\n",
		"include from string":   "[include other.cfg]\n",
	}
	for name, data := range bad {
		if _, err := LoadString(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSectionGetters(t *testing.T) {
	cfg, err := LoadString(`
[s]
hex: 0x1F
word: 0x10000
float: 0.25
yes: on
nope: maybe
secs: 0.001
neg: -1
pin: p2.3
badpin: P1.9
`)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := cfg.GetSection("s")

	if v, err := s.GetInt("hex"); err != nil || v != 31 {
		t.Errorf("GetInt(hex) = %d, %v", v, err)
	}
	if _, err := s.GetWord("word"); err == nil {
		t.Error("GetWord accepted 17-bit value")
	}
	if v, err := s.GetFloat("float"); err != nil || v != 0.25 {
		t.Errorf("GetFloat = %v, %v", v, err)
	}
	if v, err := s.GetBool("yes"); err != nil || !v {
		t.Errorf("GetBool(yes) = %v, %v", v, err)
	}
	if _, err := s.GetBool("nope"); err == nil {
		t.Error("GetBool accepted 'maybe'")
	}
	if d, err := s.GetDuration("secs"); err != nil || d != time.Millisecond {
		t.Errorf("GetDuration = %v, %v", d, err)
	}
	if _, err := s.GetDuration("neg"); err == nil {
		t.Error("GetDuration accepted negative value")
	}
	if d, err := s.GetDuration("missing", time.Second); err != nil || d != time.Second {
		t.Errorf("GetDuration fallback = %v, %v", d, err)
	}
	if p, err := s.GetPin("pin"); err != nil || p.String() != "P2.3" {
		t.Errorf("GetPin = %v, %v", p, err)
	}
	if _, err := s.GetPin("badpin"); err == nil {
		t.Error("GetPin accepted pin 9")
	}
	if _, err := s.Get("absent"); err == nil {
		t.Error("missing option without fallback should fail")
	}
}

func TestBounds(t *testing.T) {
	cfg, _ := LoadString("[s]\nlow: 0\nhigh: 9\nzero: 0.0\n")
	s, _ := cfg.GetSection("s")

	if _, err := s.GetIntWithBounds("low", 1, 8); err == nil {
		t.Error("expected minimum error")
	}
	if _, err := s.GetIntWithBounds("high", 1, 8); err == nil {
		t.Error("expected maximum error")
	}
	if _, err := s.GetFloatWithBounds("zero", FloatBounds{Above: Float(0)}); err == nil {
		t.Error("expected above error")
	}
	v, err := s.GetChoice("absent", []string{"msb", "lsb"}, "MSB")
	if err != nil || v != "msb" {
		t.Errorf("GetChoice fallback = %q, %v", v, err)
	}
}

func TestCheckUnused(t *testing.T) {
	cfg, _ := LoadString("[a]\nused: 1\ntypo: 2\n[b]\nx: 1\n")
	a, _ := cfg.GetSection("a")
	a.GetInt("used")

	err := cfg.CheckUnused()
	if err == nil {
		t.Fatal("expected unused error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "typo") || !strings.Contains(msg, "[b]") {
		t.Errorf("error %q does not name typo and section b", msg)
	}

	a.Get("typo")
	cfg.GetSection("b")
	b, _ := cfg.GetSection("b")
	b.Get("x")
	if err := cfg.CheckUnused(); err != nil {
		t.Errorf("all read, got %v", err)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("main.cfg", "[include pins/*.cfg]\n[spi]\nmode: 1\n")
	if err := os.Mkdir(filepath.Join(dir, "pins"), 0o755); err != nil {
		t.Fatal(err)
	}
	write("pins/cs.cfg", "[spi]\ncs_pin: P2.0\n")

	cfg, err := Load(filepath.Join(dir, "main.cfg"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, _ := cfg.GetSection("spi")
	if v, _ := s.Get("cs_pin"); v != "P2.0" {
		t.Errorf("included option = %q", v)
	}
	if v, _ := s.GetInt("mode"); v != 1 {
		t.Errorf("mode = %d", v)
	}

	write("loop.cfg", "[include loop.cfg]\n")
	if _, err := Load(filepath.Join(dir, "loop.cfg")); err == nil {
		t.Error("recursive include not detected")
	}
	write("missing.cfg", "[include nothere.cfg]\n")
	if _, err := Load(filepath.Join(dir, "missing.cfg")); err == nil {
		t.Error("missing include not reported")
	}
}
