// Package variant describes the engine image templates the provisioner
// can launch. Each variant names its image, how runtime parameters are
// passed to the container (environment or command-line flags), and the
// port-flag templates used to wire the host-reserved ports in.
package variant

import "fmt"

// Channel selects how a variant receives its runtime configuration.
type Channel string

const (
	ChannelEnv Channel = "env"
	ChannelCmd Channel = "cmd"
)

// Variant is one launchable engine flavor.
type Variant struct {
	Name string
	Image string
	Channel Channel

	// HTTPPortFlag/HTTPSPortFlag/P2PPortFlag are templates with a single
	// "%d" verb, applied against the reserved host port (cmd channel) or
	// used as an env var name (env channel, where the value itself is the
	// formatted port).
	HTTPPortFlag  string
	HTTPSPortFlag string
	P2PPortFlag   string

	DefaultEnv []string
	DefaultCmd []string
}

// Params is the per-launch substitution the provisioner supplies.
type Params struct {
	HTTPPort  int
	HTTPSPort int
	P2PPort   int // 0 when this engine is not the forwarded one
}

// Render produces the env and cmd slices for one container launch,
// merging the variant's defaults with the port parameters for this
// specific engine.
func (v Variant) Render(p Params) (env []string, cmd []string) {
	env = append(env, v.DefaultEnv...)
	cmd = append(cmd, v.DefaultCmd...)

	switch v.Channel {
	case ChannelEnv:
		if v.HTTPPortFlag != "" {
			env = append(env, fmt.Sprintf("%s=%d", v.HTTPPortFlag, p.HTTPPort))
		}
		if v.HTTPSPortFlag != "" && p.HTTPSPort != 0 {
			env = append(env, fmt.Sprintf("%s=%d", v.HTTPSPortFlag, p.HTTPSPort))
		}
		if v.P2PPortFlag != "" && p.P2PPort != 0 {
			env = append(env, fmt.Sprintf("%s=%d", v.P2PPortFlag, p.P2PPort))
		}
	case ChannelCmd:
		if v.HTTPPortFlag != "" {
			cmd = append(cmd, fmt.Sprintf(v.HTTPPortFlag, p.HTTPPort))
		}
		if v.HTTPSPortFlag != "" && p.HTTPSPort != 0 {
			cmd = append(cmd, fmt.Sprintf(v.HTTPSPortFlag, p.HTTPSPort))
		}
		if v.P2PPortFlag != "" && p.P2PPort != 0 {
			cmd = append(cmd, fmt.Sprintf(v.P2PPortFlag, p.P2PPort))
		}
	}
	return env, cmd
}

// Registry holds the known variants. Runtime overrides are not stored
// here; they live in enginestore.RuntimeConfig and are merged with
// ApplyOverride. The zero value is usable; call RegisterDefaults to
// populate the built-in acestream variant.
type Registry struct {
	variants map[string]*Variant
}

func NewRegistry() *Registry {
	return &Registry{variants: make(map[string]*Variant)}
}

// RegisterDefaults installs the stock acestream-engine variant.
func (r *Registry) RegisterDefaults() {
	r.Register(Variant{
		Name:          "acestream",
		Image:         "ghcr.io/martinbjeldbak/acestream-http-proxy:latest",
		Channel:       ChannelEnv,
		HTTPPortFlag:  "HTTP_PORT",
		HTTPSPortFlag: "HTTPS_PORT",
		P2PPortFlag:   "P2P_PORT",
	})
}

func (r *Registry) Register(v Variant) {
	if r.variants == nil {
		r.variants = make(map[string]*Variant)
	}
	vv := v
	r.variants[v.Name] = &vv
}

// Get returns the named variant, or the default "acestream" when name is
// empty.
func (r *Registry) Get(name string) (Variant, bool) {
	if name == "" {
		name = "acestream"
	}
	v, ok := r.variants[name]
	if !ok {
		return Variant{}, false
	}
	return *v, true
}

// ApplyOverride merges a runtime-loaded override onto an existing variant.
// Only non-zero fields in override replace the base. Overrides have no
// separate enabled flag: a stored override applies whenever it is present.
func ApplyOverride(base Variant, image string, env, cmd []string) Variant {
	out := base
	if image != "" {
		out.Image = image
	}
	if len(env) > 0 {
		out.DefaultEnv = env
	}
	if len(cmd) > 0 {
		out.DefaultCmd = cmd
	}
	return out
}
