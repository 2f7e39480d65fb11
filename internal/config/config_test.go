package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestViperConfigGetString(t *testing.T) {
	v := viper.New()
	v.Set("sampler.schema", "system-info")
	cfg := New(v)

	if got := cfg.GetString("sampler.schema"); got != "system-info" {
		t.Errorf("GetString('sampler.schema') = %q, want %q", got, "system-info")
	}
}

func TestViperConfigGetInt(t *testing.T) {
	v := viper.New()
	v.Set("log.max_backups", 5)
	cfg := New(v)

	if got := cfg.GetInt("log.max_backups"); got != 5 {
		t.Errorf("GetInt('log.max_backups') = %d, want %d", got, 5)
	}
}

func TestViperConfigGetStringSlice(t *testing.T) {
	v := viper.New()
	v.Set("sampler.metrics", []string{"RAMFree", "CPUUtilization"})
	cfg := New(v)

	got := cfg.GetStringSlice("sampler.metrics")
	if len(got) != 2 || got[0] != "RAMFree" {
		t.Errorf("GetStringSlice('sampler.metrics') = %v", got)
	}
}

func TestViperConfigGetBool(t *testing.T) {
	v := viper.New()
	v.Set("enabled", true)
	cfg := New(v)

	if got := cfg.GetBool("enabled"); !got {
		t.Error("GetBool('enabled') = false, want true")
	}
}

func TestViperConfigGetDuration(t *testing.T) {
	v := viper.New()
	v.Set("interval", "5s")
	cfg := New(v)

	want := 5 * time.Second
	if got := cfg.GetDuration("interval"); got != want {
		t.Errorf("GetDuration('interval') = %v, want %v", got, want)
	}
}

func TestViperConfigIsSet(t *testing.T) {
	v := viper.New()
	v.Set("exists", true)
	cfg := New(v)

	if !cfg.IsSet("exists") {
		t.Error("IsSet('exists') = false, want true")
	}
	if cfg.IsSet("missing") {
		t.Error("IsSet('missing') = true, want false")
	}
}

func TestViperConfigSub(t *testing.T) {
	v := viper.New()
	v.Set("sinks.mqtt.enabled", true)
	v.Set("sinks.mqtt.qos", 1)
	cfg := New(v)

	sub := cfg.Sub("sinks.mqtt")
	if sub == nil {
		t.Fatal("Sub('sinks.mqtt') = nil")
	}
	if got := sub.GetBool("enabled"); !got {
		t.Error("sub.GetBool('enabled') = false, want true")
	}
	if got := sub.GetInt("qos"); got != 1 {
		t.Errorf("sub.GetInt('qos') = %d, want %d", got, 1)
	}
}

func TestViperConfigSubMissing(t *testing.T) {
	v := viper.New()
	cfg := New(v)

	sub := cfg.Sub("nonexistent")
	if sub == nil {
		t.Fatal("Sub('nonexistent') should return empty Config, not nil")
	}
	// Should return zero values without panic.
	if got := cfg.GetString("anything"); got != "" {
		t.Errorf("empty config GetString() = %q, want empty", got)
	}
	_ = sub
}

func TestViperConfigUnmarshal(t *testing.T) {
	v := viper.New()
	v.Set("http.addr", "localhost:9090")
	v.Set("http.enabled", true)
	cfg := New(v)

	var target struct {
		HTTP HTTPSettings `mapstructure:"http"`
	}
	if err := cfg.Unmarshal(&target); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if target.HTTP.Addr != "localhost:9090" {
		t.Errorf("Addr = %q, want %q", target.HTTP.Addr, "localhost:9090")
	}
	if !target.HTTP.Enabled {
		t.Error("Enabled = false, want true")
	}
}

func TestNilViper(t *testing.T) {
	cfg := New(nil)
	// Should not panic and return zero values.
	if got := cfg.GetString("key"); got != "" {
		t.Errorf("nil viper GetString() = %q, want empty", got)
	}
}
