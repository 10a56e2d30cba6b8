/*
Package settings resolves node configuration with the cascading key lookup

	service::command.key > service.key > command.key > Main.key

over INI-style files. Keys prefixed "private::" and lines beginning "#!"
are stripped from the publicly broadcast copy of the configuration.
*/
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Settings struct {
	v   *viper.Viper
	raw string
}

func FromText(text string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("ini")
	if err := v.ReadConfig(strings.NewReader(text)); err != nil {
		return nil, err
	}
	return &Settings{v: v, raw: text}, nil
}

func FromFile(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromText(string(raw))
}

// Get resolves a key through the cascade. The empty string means unset at
// every level.
func (s *Settings) Get(service, command, key string) string {
	probes := []string{
		fmt.Sprintf("%s::%s.%s", service, command, key),
		fmt.Sprintf("%s.%s", service, key),
		fmt.Sprintf("%s.%s", command, key),
		"Main." + key,
	}
	for _, probe := range probes {
		if s.v.IsSet(probe) {
			return s.v.GetString(probe)
		}
	}
	return ""
}

func (s *Settings) GetInt(service, command, key string, def int) int {
	val := s.Get(service, command, key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

// Host and Port are only consulted at the Main scope; the scoped variants
// are reserved.
func (s *Settings) Host() string { return s.v.GetString("Main.host") }
func (s *Settings) Port() int    { return s.v.GetInt("Main.port") }

// SyncTimeout is how long the facilitator lets an active order idle
// before cancelling it.
func (s *Settings) SyncTimeout() time.Duration {
	secs := s.GetInt("", "", "timeout", 60)
	return time.Duration(secs) * time.Second
}

func (s *Settings) Fee(service string) uint64 {
	val := s.Get(service, "", "fee")
	if val == "" {
		return 0
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *Settings) PaymentAddress(service string) string {
	return s.Get(service, "", "paymentaddress")
}

func (s *Settings) Disabled(service string) bool {
	return s.Get(service, "", "disabled") == "1"
}

// PublicText renders the configuration as broadcast to peers: private
// keys and shebang-commented lines removed.
func (s *Settings) PublicText() string {
	var out []string
	for _, line := range strings.Split(s.raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#!") {
			continue
		}
		if key, _, found := strings.Cut(trimmed, "="); found {
			if strings.HasPrefix(strings.TrimSpace(key), "private::") {
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
