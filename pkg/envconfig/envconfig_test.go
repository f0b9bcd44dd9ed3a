package envconfig

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testConfig struct {
	Addr     string        `env:"TUNNELD_ADDR=:7000"`
	LogLevel zerolog.Level `env:"TUNNELD_LOG_LEVEL=info"`
	Timeout  time.Duration `env:"TUNNELD_TIMEOUT=30s"`
	Hosts    []string      `env:"TUNNELD_HOSTS"`
	Insecure bool          `env:"TUNNELD_INSECURE"`
	Name     string        `env:"TUNNELD_NAME?=fallback"`
}

func TestUnmarshalDefaults(t *testing.T) {
	var c testConfig
	if err := Unmarshal(&c, nil, []string{"TUNNELD_"}, false); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.Addr != ":7000" {
		t.Errorf("Addr = %q, want %q", c.Addr, ":7000")
	}
	if c.LogLevel != zerolog.InfoLevel {
		t.Errorf("LogLevel = %v, want info", c.LogLevel)
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.Timeout)
	}
	if len(c.Hosts) != 0 {
		t.Errorf("Hosts = %v, want empty", c.Hosts)
	}
	if c.Name != "fallback" {
		t.Errorf("Name = %q, want %q", c.Name, "fallback")
	}
}

func TestUnmarshalOverrides(t *testing.T) {
	var c testConfig
	es := []string{
		"TUNNELD_ADDR=:9000",
		"TUNNELD_HOSTS=a.example,b.example",
		"TUNNELD_INSECURE=true",
		"OTHER_IGNORED=1",
	}
	if err := Unmarshal(&c, es, []string{"TUNNELD_"}, false); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.Addr != ":9000" {
		t.Errorf("Addr = %q, want %q", c.Addr, ":9000")
	}
	if len(c.Hosts) != 2 || c.Hosts[0] != "a.example" || c.Hosts[1] != "b.example" {
		t.Errorf("Hosts = %v", c.Hosts)
	}
	if !c.Insecure {
		t.Errorf("Insecure = false, want true")
	}
}

func TestUnmarshalExplicitEmptyRequiresQuestionMark(t *testing.T) {
	var c testConfig
	es := []string{"TUNNELD_NAME="}
	if err := Unmarshal(&c, es, []string{"TUNNELD_"}, false); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.Name != "" {
		t.Errorf("Name = %q, want empty (explicit override allowed via ?=)", c.Name)
	}
}

func TestUnmarshalIncrementalSkipsAbsentVars(t *testing.T) {
	c := testConfig{Addr: ":1234"}
	if err := Unmarshal(&c, nil, []string{"TUNNELD_"}, true); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.Addr != ":1234" {
		t.Errorf("Addr = %q, want unchanged %q", c.Addr, ":1234")
	}
}

func TestUnmarshalUnknownVariableErrors(t *testing.T) {
	var c testConfig
	es := []string{"TUNNELD_BOGUS=1"}
	if err := Unmarshal(&c, es, []string{"TUNNELD_"}, false); err == nil {
		t.Fatalf("Unmarshal accepted unknown variable")
	}
}

func TestUnmarshalBadDuration(t *testing.T) {
	var c testConfig
	es := []string{"TUNNELD_TIMEOUT=notaduration"}
	if err := Unmarshal(&c, es, []string{"TUNNELD_"}, false); err == nil {
		t.Fatalf("Unmarshal accepted invalid duration")
	}
}
