package nbd

import "fmt"

// DriverConfig holds what the CLI entry point (or any other embedder)
// needs to open one export, read from YAML. It plays the role the
// teacher's ExportConfig/ServerConfig pair played for a whole
// listener; this module only ever drives a single outbound
// connection, so there is one flat config type instead of a
// server/export split.
type DriverConfig struct {
	Name       string            `yaml:"name"`     // connect target: HOST:PORT, a unix socket path, or a stashed fd name
	Secondary  bool              `yaml:"secondary"`
	Capacity   int               `yaml:"capacity"` // request pool size, 0 => DefaultCapacity
	Debug      bool              `yaml:"debug"`
	Parameters map[string]string `yaml:",inline"` // arbitrary extra driver parameters
}

// IsTrue determines whether a DriverParameters-style string value
// means "true". The YAML config keeps a flat map of strings for
// anything not promoted to a typed field.
func IsTrue(v string) (bool, error) {
	if v == "true" {
		return true, nil
	} else if v == "false" || v == "" {
		return false, nil
	}
	return false, fmt.Errorf("unknown boolean value: %s", v)
}

// Flags computes the Open() flags bitmask this config implies.
func (c DriverConfig) Flags() uint32 {
	var f uint32
	if c.Secondary {
		f |= FlagSecondary
	}
	return f
}

// ParametersAsBool applies IsTrue to every entry of Parameters,
// the way a caller that only promoted a handful of well-known keys
// (Secondary, Capacity, Debug) to typed fields would still want to
// read the rest as booleans.
func (c DriverConfig) ParametersAsBool() (map[string]bool, error) {
	out := make(map[string]bool, len(c.Parameters))
	for k, v := range c.Parameters {
		b, err := IsTrue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
