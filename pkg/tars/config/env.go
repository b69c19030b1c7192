package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// Environment variables the supervisor sets for its children.
const (
	EnvConfig      = "TARS_CONFIG"
	EnvStateDir    = "TARS_STATE_DIR"
	EnvSlot        = "TARS_SLOT"
	EnvToken       = "TARS_DISCORD_TOKEN"
	EnvChannelPref = "TARS_CHANNEL_"
)

// Binding is what a child needs to know about the instance it serves.
type Binding struct {
	Slot       int
	ConfigPath string
	StateDir   string
	// Channels maps a binding name (primary, overwatch, category) to a
	// platform channel id.
	Channels map[string]string
}

// Environ renders the binding as KEY=value pairs, channels sorted by name.
func (b Binding) Environ() []string {
	env := []string{EnvSlot + "=" + strconv.Itoa(b.Slot)}
	if b.ConfigPath != "" {
		env = append(env, EnvConfig+"="+b.ConfigPath)
	}
	if b.StateDir != "" {
		env = append(env, EnvStateDir+"="+b.StateDir)
	}
	names := make([]string, 0, len(b.Channels))
	for name := range b.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, EnvChannelPref+strings.ToUpper(name)+"="+b.Channels[name])
	}
	return env
}

// BindingFromEnv reads the binding a supervisor passed down. A missing or
// malformed slot is a configuration error.
func BindingFromEnv() (Binding, error) {
	return bindingFrom(os.Environ())
}

func bindingFrom(environ []string) (Binding, error) {
	b := Binding{Channels: map[string]string{}}
	e := &Error{}
	slotSeen := false
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case key == EnvSlot:
			slotSeen = true
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				e.add(EnvSlot, "must be a positive integer")
				continue
			}
			b.Slot = n
		case key == EnvConfig:
			b.ConfigPath = val
		case key == EnvStateDir:
			b.StateDir = val
		case strings.HasPrefix(key, EnvChannelPref) && val != "":
			b.Channels[strings.ToLower(strings.TrimPrefix(key, EnvChannelPref))] = val
		}
	}
	if !slotSeen {
		e.add(EnvSlot, "not set; this command is started by `tars serve`")
	}
	if err := e.orNil(); err != nil {
		return Binding{}, err
	}
	return b, nil
}
