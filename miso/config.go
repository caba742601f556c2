package miso

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/curtisnewbie/shopbus/util/strutil"
	"github.com/spf13/viper"
)

var (
	// regex for arg expansion
	resolveArgRegexp = regexp.MustCompile(`\${[a-zA-Z0-9\\-\\_\.]+}`)

	globalConfig = newAppConfig()
)

// Application configuration backed by viper.
//
// Props are read through GetProp* funcs, values can be loaded from yaml files, overwritten
// by environment variables and cli args in 'KEY=VALUE' format, or bound to environment variable aliases.
type AppConfig struct {
	vp   *viper.Viper
	rwmu *sync.RWMutex
}

func newAppConfig() *AppConfig {
	return &AppConfig{
		vp:   viper.New(),
		rwmu: &sync.RWMutex{},
	}
}

func (a *AppConfig) withWLock(f func()) {
	a.rwmu.Lock()
	defer a.rwmu.Unlock()
	f()
}

func readLocked[T any](a *AppConfig, f func() T) T {
	a.rwmu.RLock()
	defer a.rwmu.RUnlock()
	return f()
}

// Set value for the prop
func (a *AppConfig) SetProp(prop string, val any) {
	a.withWLock(func() { a.vp.Set(prop, val) })
}

// Set default value for the prop
func (a *AppConfig) SetDefProp(prop string, defVal any) {
	a.withWLock(func() { a.vp.SetDefault(prop, defVal) })
}

// Bind prop to environment variables, the first one that is present is used.
//
// e.g., BindEnv("rabbitmq.url", "RABBITMQ_URL")
func (a *AppConfig) BindEnv(prop string, envs ...string) {
	a.withWLock(func() {
		in := append([]string{prop}, envs...)
		if err := a.vp.BindEnv(in...); err != nil {
			Warnf("Failed to bind env for prop '%v', %v", prop, err)
		}
	})
}

// Check whether the prop exists
func (a *AppConfig) HasProp(prop string) bool {
	return readLocked(a, func() bool { return a.vp.IsSet(prop) })
}

// Get prop as int
func (a *AppConfig) GetPropInt(prop string) int {
	return readLocked(a, func() int { return a.vp.GetInt(prop) })
}

// Get prop as bool
func (a *AppConfig) GetPropBool(prop string) bool {
	return readLocked(a, func() bool { return a.vp.GetBool(prop) })
}

// Get prop as string slice
func (a *AppConfig) GetPropStrSlice(prop string) []string {
	return readLocked(a, func() []string { return a.vp.GetStringSlice(prop) })
}

// Get prop as time.Duration, the value is treated as a number of unit.
func (a *AppConfig) GetPropDur(prop string, unit time.Duration) time.Duration {
	return time.Duration(a.GetPropInt(prop)) * unit
}

/*
Get prop as string

If the value is an argument that can be expanded, the actual value will be resolved if possible.

e.g, for "password" : "${RABBITMQ_PASSWORD}".

This func will attempt to resolve the actual value for '${RABBITMQ_PASSWORD}' from environment variables and other props.
*/
func (a *AppConfig) GetPropStr(prop string) string {
	return a.ResolveArg(readLocked(a, func() string { return a.vp.GetString(prop) }))
}

// Resolve argument, e.g., for arg like '${someArg}', it will look for 'someArg' in os.Env and then in props.
func (a *AppConfig) ResolveArg(arg string) string {
	return resolveArgRegexp.ReplaceAllStringFunc(arg, func(s string) string {
		key := s[2 : len(s)-1]
		val := os.Getenv(key)
		if val == "" {
			val = readLocked(a, func() string { return a.vp.GetString(key) })
		}
		if val == "" {
			val = s
		}
		return val
	})
}

// Load config from io Reader (yaml).
//
// It's the caller's responsibility to close the provided reader. Loaded values are merged with the existing ones.
func (a *AppConfig) LoadConfigFromReader(reader io.Reader) error {
	var eo error
	a.withWLock(func() {
		a.vp.SetConfigType("yml")
		if err := a.vp.MergeConfig(reader); err != nil {
			eo = fmt.Errorf("failed to load config from reader: %v", err)
		}
	})
	return eo
}

// Load config from string (yaml).
func (a *AppConfig) LoadConfigFromStr(s string) error {
	return a.LoadConfigFromReader(bytes.NewReader(strutil.UnsafeStr2Byt(s)))
}

// Load config from file (yaml).
func (a *AppConfig) LoadConfigFromFile(configFile string) error {
	if configFile == "" {
		return nil
	}

	f, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("unable to find config file: '%s'", configFile)
		}
		return fmt.Errorf("failed to open config file: '%s', %v", configFile, err)
	}
	defer f.Close()

	if err := a.LoadConfigFromReader(f); err != nil {
		return fmt.Errorf("failed to load config file: '%s', %v", configFile, err)
	}
	return nil
}

// Overwrite existing conf using environment and cli args in 'KEY=VALUE' format.
func (a *AppConfig) OverwriteConf(args []string) {
	a.overwriteConf(ArgKeyVal(os.Environ()))
	a.overwriteConf(ArgKeyVal(args))
}

func (a *AppConfig) overwriteConf(kvs map[string][]string) {
	for k, v := range kvs {
		if len(v) == 1 {
			a.SetProp(k, v[0])
		} else {
			a.SetProp(k, v)
		}
	}
}

/*
Default way to read config.

It loads the config file guessed by GuessConfigFilePath(args), the extra files specified
in 'config.extra.files', and finally overwrites the loaded values with environment variables and cli args.
*/
func (a *AppConfig) DefaultReadConfig(rail Rail, args []string) {
	f := GuessConfigFilePath(args)
	if err := a.LoadConfigFromFile(f); err != nil {
		rail.Debugf("Failed to load config file, file: %v, %v", f, err)
	} else {
		rail.Infof("Loaded config file: %v", f)
	}

	loaded := map[string]struct{}{f: {}}
	for _, ef := range a.GetPropStrSlice(PropConfigExtraFiles) {
		if _, ok := loaded[ef]; ok {
			continue
		}
		loaded[ef] = struct{}{}
		if err := a.LoadConfigFromFile(ef); err != nil {
			rail.Warnf("Failed to load extra config file, %v, %v", ef, err)
		} else {
			rail.Infof("Loaded extra config file: %v", ef)
		}
	}

	a.OverwriteConf(args)
}

// Parse 'KEY=VALUE' args, args without '=' are ignored.
func ArgKeyVal(args []string) map[string][]string {
	m := map[string][]string{}
	for _, s := range args {
		eq := strings.Index(s, "=")
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(s[:eq])
		val := strings.TrimSpace(s[eq+1:])
		m[key] = append(m[key], val)
	}
	return m
}

// Guess config file path.
//
// It looks for the arg that matches the pattern "configFile=/path/to/configFile".
// If none is found, it's by default 'conf.yml'.
func GuessConfigFilePath(args []string) string {
	if v, ok := ArgKeyVal(args)["configFile"]; ok && len(v) > 0 && !strutil.IsBlankStr(v[0]) {
		return v[0]
	}
	return "conf.yml"
}

// Get the global AppConfig.
func Config() *AppConfig {
	return globalConfig
}

// Set value for the prop
func SetProp(prop string, val any) {
	globalConfig.SetProp(prop, val)
}

// Set default value for the prop
func SetDefProp(prop string, defVal any) {
	globalConfig.SetDefProp(prop, defVal)
}

// Bind prop to environment variable aliases.
func BindEnv(prop string, envs ...string) {
	globalConfig.BindEnv(prop, envs...)
}

// Check whether the prop exists
func HasProp(prop string) bool {
	return globalConfig.HasProp(prop)
}

// Get prop as string
func GetPropStr(prop string) string {
	return globalConfig.GetPropStr(prop)
}

// Get prop as int
func GetPropInt(prop string) int {
	return globalConfig.GetPropInt(prop)
}

// Get prop as bool
func GetPropBool(prop string) bool {
	return globalConfig.GetPropBool(prop)
}

// Get prop as time.Duration
func GetPropDur(prop string, unit time.Duration) time.Duration {
	return globalConfig.GetPropDur(prop, unit)
}

// Load config from string (yaml).
func LoadConfigFromStr(s string) error {
	return globalConfig.LoadConfigFromStr(s)
}

// Load config from file (yaml).
func LoadConfigFromFile(f string) error {
	return globalConfig.LoadConfigFromFile(f)
}

// Read config file, extra files, environment variables and cli args into the global AppConfig.
func DefaultReadConfig(rail Rail, args []string) {
	globalConfig.DefaultReadConfig(rail, args)
}
