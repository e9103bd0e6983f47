package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderConfig holds the settings of one provider backend, keyed by
// uppercase name.
type ProviderConfig struct {
	sync.Mutex

	cfgMap map[string]string
}

func NewProviderConfig(m map[string]string) *ProviderConfig {
	pc := &ProviderConfig{cfgMap: map[string]string{}}
	for k, v := range m {
		pc.cfgMap[strings.ToUpper(k)] = v
	}
	return pc
}

func (pc *ProviderConfig) Map(f func(string, string)) {
	pc.Lock()
	keys := []string{}
	for key := range pc.cfgMap {
		keys = append(keys, key)
	}
	pc.Unlock()

	sort.Strings(keys)

	for _, key := range keys {
		f(key, pc.Get(key))
	}
}

func (pc *ProviderConfig) Get(key string) string {
	pc.Lock()
	defer pc.Unlock()

	if value, ok := pc.cfgMap[key]; ok {
		return value
	}

	return ""
}

func (pc *ProviderConfig) Set(key, value string) {
	pc.Lock()
	defer pc.Unlock()

	pc.cfgMap[key] = value
}

func (pc *ProviderConfig) IsSet(key string) bool {
	pc.Lock()
	defer pc.Unlock()

	_, ok := pc.cfgMap[key]
	return ok
}

// GetDuration returns def when key is unset.
func (pc *ProviderConfig) GetDuration(key string, def time.Duration) (time.Duration, error) {
	if !pc.IsSet(key) {
		return def, nil
	}

	d, err := time.ParseDuration(pc.Get(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %v", key, err)
	}
	return d, nil
}

// GetBool returns def when key is unset.
func (pc *ProviderConfig) GetBool(key string, def bool) (bool, error) {
	if !pc.IsSet(key) {
		return def, nil
	}

	b, err := strconv.ParseBool(pc.Get(key))
	if err != nil {
		return false, fmt.Errorf("invalid bool for %s: %v", key, err)
	}
	return b, nil
}

// ProviderConfigFromEnviron dynamically builds a *ProviderConfig from the
// environment by loading values from keys with prefixes that match either the
// uppercase provider name + "_" or "JCLOUDS_" + uppercase provider name + "_",
// e.g., for provider "foo":
//
//	env: JCLOUDS_FOO_BAR=ham FOO_BAZ=bones
//	map equiv: {"BAR": "ham", "BAZ": "bones"}
func ProviderConfigFromEnviron(providerName string) *ProviderConfig {
	upperProvider := strings.ToUpper(strings.Replace(providerName, "-", "_", -1))

	pc := &ProviderConfig{cfgMap: map[string]string{}}

	for _, prefix := range []string{
		upperProvider + "_",
		"JCLOUDS_" + upperProvider + "_",
	} {
		for _, e := range os.Environ() {
			if strings.HasPrefix(e, prefix) {
				pair := strings.SplitN(e, "=", 2)

				key := strings.ToUpper(strings.TrimPrefix(pair[0], prefix))
				value := pair[1]
				unescapedValue, err := url.QueryUnescape(value)
				if err == nil {
					value = unescapedValue
				}

				pc.Set(key, value)
			}
		}
	}

	return pc
}
