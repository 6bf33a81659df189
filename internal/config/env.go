package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	logx "callbot/pkg/logx"
)

// Environment variables that override the config file.
const (
	EnvCallThreshold  = "CALL_THRESHOLD"
	EnvWindowMinutes  = "WINDOW_M"
	EnvTimezone       = "TIMEZONE"
	EnvDebug          = "DEBUG"
	EnvLookback       = "LOOKBACK_S"
	EnvTelegramToken  = "TELEGRAM_TOKEN"
	EnvConsumerKey    = "TWITTER_CONSUMER_KEY"
	EnvConsumerSecret = "TWITTER_CONSUMER_SECRET"
	EnvAccessToken    = "TWITTER_ACCESS_TOKEN"
	EnvAccessSecret   = "TWITTER_ACCESS_SECRET"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables already present in the environment win.
// Missing files are skipped; it returns the files that were loaded.
func LoadDotEnv(log logx.Logger, files ...string) []string {
	if len(files) == 0 {
		files = []string{".env"}
	}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			log.Warn("failed to load env file", logx.String("file", file), logx.Err(err))
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) == 0 {
		log.Debug("no env files loaded; relying on process environment")
	} else {
		log.Debug("loaded env files", logx.Strings("files", loaded))
	}
	return loaded
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment overrides on cfg. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvCallThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("%s: invalid threshold %q", EnvCallThreshold, v)
		}
		cfg.Pipeline.CallThreshold = &f
	}
	if v, ok := get(EnvWindowMinutes); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid window %q", EnvWindowMinutes, v)
		}
		cfg.Pipeline.WindowMinutes = n
	}
	if v, ok := get(EnvTimezone); ok {
		cfg.Pipeline.Timezone = v
	}
	if v, ok := get(EnvDebug); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid bool %q", EnvDebug, v)
		}
		cfg.Pipeline.DryRun = debug
		if debug {
			cfg.Logging.Level = "debug"
		}
	}
	if v, ok := get(EnvLookback); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s: invalid seconds %q", EnvLookback, v)
		}
		cfg.Source.Lookback = strconv.Itoa(n) + "s"
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Publisher.Telegram.Token = v
	}
	tw := &cfg.Publisher.Twitter
	for env, dst := range map[string]*string{
		EnvConsumerKey:    &tw.ConsumerKey,
		EnvConsumerSecret: &tw.ConsumerSecret,
		EnvAccessToken:    &tw.AccessToken,
		EnvAccessSecret:   &tw.AccessSecret,
	} {
		if v, ok := get(env); ok {
			*dst = v
		}
	}
	return nil
}
