// Package config parses the static subscriber configuration document
// (§4.5, §6) with spf13/viper, the way
// internal/config/strong_consistency_config.go in the teacher loads a
// section-based config file. Loaded once at startup; never hot-reloaded.
package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
)

// Config holds the per-event subscriber sets, keyed by (event_kind, name)
// as §3 requires.
type Config struct {
	Borrow map[string]pool.Subscriber
	Return map[string]pool.Subscriber
	Submit map[string]pool.Subscriber
}

// Subscribers returns every subscriber configured for kind, in no
// particular order (§5: subscriber invocation order is never guaranteed).
func (c *Config) Subscribers(kind pool.EventKind) []pool.Subscriber {
	var section map[string]pool.Subscriber
	switch kind {
	case pool.EventBorrow:
		section = c.Borrow
	case pool.EventReturn:
		section = c.Return
	case pool.EventSubmit:
		section = c.Submit
	default:
		return nil
	}
	out := make([]pool.Subscriber, 0, len(section))
	for _, s := range section {
		out = append(out, s)
	}
	return out
}

// HasAsyncMustSucceed reports whether kind has at least one must-succeed
// async subscriber, which is what triggers async-operation execution
// mode in the engine (§4.4, §9).
func (c *Config) HasAsyncMustSucceed(kind pool.EventKind) bool {
	for _, s := range c.Subscribers(kind) {
		if s.MustSucceed && s.Async {
			return true
		}
	}
	return false
}

// Empty returns a Config with no subscribers configured for any event.
func Empty() *Config {
	return &Config{
		Borrow: map[string]pool.Subscriber{},
		Return: map[string]pool.Subscriber{},
		Submit: map[string]pool.Subscriber{},
	}
}

// Load reads and parses a TOML config file from disk.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return build(v, log)
}

// Parse parses an in-memory TOML document, used by tests and by Load.
func Parse(body []byte, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return build(v, log)
}

var sections = []struct {
	name string
	kind pool.EventKind
}{
	{"borrow", pool.EventBorrow},
	{"return", pool.EventReturn},
	{"submit", pool.EventSubmit},
}

func build(v *viper.Viper, log *zap.Logger) (*Config, error) {
	cfg := Empty()
	dest := map[pool.EventKind]map[string]pool.Subscriber{
		pool.EventBorrow: cfg.Borrow,
		pool.EventReturn: cfg.Return,
		pool.EventSubmit: cfg.Submit,
	}

	for _, sec := range sections {
		raw := v.GetStringMap(sec.name + ".subscribers")
		for name, entry := range raw {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s.subscribers.%s: expected a table", sec.name, name)
			}
			sub, err := parseSubscriber(sec.kind, name, fields, log, sec.name)
			if err != nil {
				return nil, err
			}
			dest[sec.kind][name] = sub
		}
	}

	return cfg, nil
}

// parseSubscriber resolves the historic "mustSuceed" (single c) spelling
// alongside the correct "mustSucceed", per §4.5/§9: both map to the same
// field, true taking precedence if both are present. viper lowercases
// keys, so the lookups below are already case-folded.
func parseSubscriber(kind pool.EventKind, name string, fields map[string]interface{}, log *zap.Logger, sectionName string) (pool.Subscriber, error) {
	sub := pool.Subscriber{Name: name, EventKind: kind}

	post, _ := fields["post"].(string)
	if post == "" {
		return pool.Subscriber{}, fmt.Errorf("%s.subscribers.%s: missing post url", sectionName, name)
	}
	sub.PostURL = post

	correct, hasCorrect := asBool(fields["mustsucceed"])
	typo, hasTypo := asBool(fields["mustsuceed"])
	if hasTypo {
		log.Warn("config uses deprecated 'mustSuceed' spelling, prefer 'mustSucceed'",
			zap.String("section", sectionName), zap.String("subscriber", name))
	}
	sub.MustSucceed = (hasCorrect && correct) || (hasTypo && typo)

	if async, ok := asBool(fields["async"]); ok {
		sub.Async = async
	}

	return sub, nil
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
