package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/taskd/internal/server"
)

// Template renders the default server configuration as TOML.
func Template() (string, error) {
	def := server.DefaultConfig().WithDefaults()
	out, err := toml.Marshal(fileConfig{
		ListenAddr:    def.ListenAddr,
		AdminAddr:     "127.0.0.1:9090",
		Workers:       def.Workers,
		BlockingSlots: def.BlockingSlots,
		QueueCapacity: def.QueueCapacity,
		ReadTimeout:   def.ReadTimeout.String(),
		WriteTimeout:  def.WriteTimeout.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
