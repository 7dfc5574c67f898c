// Package config implements the configuration loader of spec.md §6: a JSON
// object merged from ordered config files (later overrides earlier, null
// removes a key) and command-line overrides. Grounded on
// examples/word-count/wordcountctl/main.go's flags.NewParser-plus-tagged-
// struct idiom, generalized from subcommand flags to a flat CLI overlay.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/yerrors"
)

// LevelConfig is one {max-verbosity, component-verbosity} sink
// configuration of spec.md §6.
type LevelConfig struct {
	MaxVerbosity        string            `json:"max-verbosity"`
	ComponentVerbosity  map[string]string `json:"component-verbosity"`
}

// Config is the merged, fully-resolved configuration of a hub process.
type Config struct {
	Yogi struct {
		Location   string `json:"location"`
		Connection struct {
			Target         string  `json:"target"`
			Listen         string  `json:"listen"`
			Timeout        float64 `json:"timeout"`
			Identification string  `json:"identification"`
		} `json:"connection"`
	} `json:"yogi"`
	Logging struct {
		Stdout LevelConfig `json:"stdout"`
		Yogi   LevelConfig `json:"yogi"`
	} `json:"logging"`
	Session struct {
		Listen string `json:"listen"`
	} `json:"session"`
}

// Location parses Yogi.Location as an absolute Path, defaulting to root.
func (c *Config) Location() (path.Path, error) {
	if c.Yogi.Location == "" {
		return path.Root, nil
	}
	var p, err = path.New(c.Yogi.Location)
	if err != nil {
		return path.Path{}, yerrors.Wrap(yerrors.BadConfigurationPath, err, "yogi.location")
	}
	if !p.IsAbsolute() {
		return path.Path{}, yerrors.New(yerrors.BadConfigurationPath, "yogi.location %q must be absolute", c.Yogi.Location)
	}
	return p, nil
}

// ConnectionTimeout returns Yogi.Connection.Timeout as a Duration. A
// negative value means infinite, represented as 0 (no deadline).
func (c *Config) ConnectionTimeout() time.Duration {
	if c.Yogi.Connection.Timeout < 0 {
		return 0
	}
	return time.Duration(c.Yogi.Connection.Timeout * float64(time.Second))
}

// cliOverlay mirrors spec.md §6's command-line overrides, layered onto the
// merged file configuration by Load.
type cliOverlay struct {
	JSON                     []string `long:"json" description:"Inline JSON object merged on top of loaded files"`
	Location                 string   `short:"l" long:"location" description:"Overrides yogi.location"`
	ConnectionTarget         string   `long:"connection_target" description:"Overrides yogi.connection.target"`
	ConnectionListen         string   `long:"connection_listen" description:"Overrides yogi.connection.listen"`
	ConnectionTimeout        *float64 `long:"connection_timeout" description:"Overrides yogi.connection.timeout, in seconds"`
	ConnectionIdentification string   `short:"i" long:"connection_identification" description:"Overrides yogi.connection.identification"`
	SessionListen            string   `long:"session_listen" description:"Overrides session.listen"`
	ConfigFiles              []string `short:"c" long:"config" description:"Configuration file or glob pattern; may be given multiple times"`
}

// Load resolves patterns (file paths or globs, applied in order) into
// configuration files, JSON-merges them (later overrides earlier, a JSON
// null removes a previously-set key), layers args's CLI overrides on top,
// and returns the fully-merged Config.
func Load(patterns []string, args []string) (*Config, error) {
	var overlay cliOverlay
	var parser = flags.NewParser(&overlay, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, yerrors.Wrap(yerrors.BadCommandLine, err, "parse command line")
	}

	var files []string
	files = append(files, patterns...)
	files = append(files, overlay.ConfigFiles...)

	var merged map[string]interface{}
	for _, pattern := range files {
		var matches, err = filepath.Glob(pattern)
		if err != nil {
			return nil, yerrors.Wrap(yerrors.BadConfigurationFilePattern, err, "glob pattern %q", pattern)
		}
		if matches == nil {
			return nil, yerrors.New(yerrors.BadConfigurationFilePattern, "pattern %q matched no files", pattern)
		}
		for _, file := range matches {
			var doc map[string]interface{}
			var b, readErr = os.ReadFile(file)
			if readErr != nil {
				return nil, yerrors.Wrap(yerrors.BadConfigurationDataAccess, readErr, "read %q", file)
			}
			if err := json.Unmarshal(b, &doc); err != nil {
				return nil, yerrors.Wrap(yerrors.BadConfiguration, err, "parse %q", file)
			}
			merged = mergeJSON(merged, doc)
		}
	}

	for _, inline := range overlay.JSON {
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(inline), &doc); err != nil {
			return nil, yerrors.Wrap(yerrors.BadCommandLine, err, "parse --json")
		}
		merged = mergeJSON(merged, doc)
	}

	merged = applyCLIOverlay(merged, overlay)

	var cfg Config
	if merged != nil {
		var b, err = json.Marshal(merged)
		if err != nil {
			return nil, yerrors.Wrap(yerrors.BadConfiguration, err, "re-marshal merged config")
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, yerrors.Wrap(yerrors.BadConfiguration, err, "decode merged config")
		}
	}
	return &cfg, nil
}

// mergeJSON merges overlay onto base one level of nested maps at a time.
// A key present in overlay with a JSON null value deletes it from base,
// matching spec.md §6's "null removes a key". No merge library in the
// retrieved corpus (imdario/mergo included) supports null-removal
// semantics over a map[string]interface{} tree, so this is hand-rolled.
func mergeJSON(base, overlay map[string]interface{}) map[string]interface{} {
	if base == nil {
		base = make(map[string]interface{})
	}
	for k, v := range overlay {
		if v == nil {
			delete(base, k)
			continue
		}
		var overlayMap, overlayIsMap = v.(map[string]interface{})
		var baseMap, baseIsMap = base[k].(map[string]interface{})
		if overlayIsMap && baseIsMap {
			base[k] = mergeJSON(baseMap, overlayMap)
		} else {
			base[k] = v
		}
	}
	return base
}

func applyCLIOverlay(merged map[string]interface{}, overlay cliOverlay) map[string]interface{} {
	if overlay.Location == "" && overlay.ConnectionTarget == "" && overlay.ConnectionListen == "" &&
		overlay.ConnectionTimeout == nil && overlay.ConnectionIdentification == "" && overlay.SessionListen == "" {
		return merged
	}
	if merged == nil {
		merged = make(map[string]interface{})
	}
	var yogi, ok = merged["yogi"].(map[string]interface{})
	if !ok {
		yogi = make(map[string]interface{})
		merged["yogi"] = yogi
	}
	if overlay.Location != "" {
		yogi["location"] = overlay.Location
	}
	var conn, connOk = yogi["connection"].(map[string]interface{})
	if !connOk {
		conn = make(map[string]interface{})
		yogi["connection"] = conn
	}
	if overlay.ConnectionTarget != "" {
		conn["target"] = overlay.ConnectionTarget
	}
	if overlay.ConnectionListen != "" {
		conn["listen"] = overlay.ConnectionListen
	}
	if overlay.ConnectionTimeout != nil {
		conn["timeout"] = *overlay.ConnectionTimeout
	}
	if overlay.ConnectionIdentification != "" {
		conn["identification"] = overlay.ConnectionIdentification
	}
	if overlay.SessionListen != "" {
		var session, sessionOk = merged["session"].(map[string]interface{})
		if !sessionOk {
			session = make(map[string]interface{})
			merged["session"] = session
		}
		session["listen"] = overlay.SessionListen
	}
	return merged
}

// Must is the teacher's fatal-on-error startup helper (mirroring
// mainboilerplate.Must, grounded on the same fatal-at-startup convention
// used throughout the teacher's main packages), logging msg and err and
// exiting with spec.md §6's configuration-failure code 1.
func Must(err error, msg string) {
	if err == nil {
		return
	}
	os.Stderr.WriteString(msg + ": " + err.Error() + "\n")
	os.Exit(1)
}
