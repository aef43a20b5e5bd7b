package main

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"github.com/tradeyard/otpcourier/internal/dispatch"
	"github.com/tradeyard/otpcourier/internal/providers/pinpoint"
	"github.com/tradeyard/otpcourier/internal/providers/smtp"
	"github.com/tradeyard/otpcourier/internal/providers/webhook"
	"github.com/tradeyard/otpcourier/pkg/models"
)

type constants struct {
	// Throttle budget per client IP per minute on the mutating routes.
	ThrottlePerMin int
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, c := range cFiles {
		lo.Info("reading config", "path", c)
		if err := ko.Load(file.Provider(c), toml.Parser()); err != nil {
			lo.Error("error reading config", "path", c, "error", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("OTP_COURIER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OTP_COURIER_")), "__", ".", -1)
	}), nil); err != nil {
		lo.Error("error loading env config", "error", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initConstants() constants {
	c := constants{
		ThrottlePerMin: ko.Int("app.throttle_per_min"),
	}
	if c.ThrottlePerMin <= 0 {
		c.ThrottlePerMin = 60
	}
	return c
}

// initProviders builds the channel adapters from the [provider.*]
// config blocks. Each block names its adapter type; the webhook type
// may appear under any number of ids.
func initProviders() ([]models.Provider, error) {
	var out []models.Provider

	for _, name := range ko.MapKeys("provider") {
		var (
			key = "provider." + name
			typ = ko.String(key + ".type")
		)

		switch typ {
		case "smtp":
			var cfg smtp.Config
			if err := ko.UnmarshalWithConf(key, &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, fmt.Errorf("error reading %s: %v", key, err)
			}
			p, err := smtp.New(cfg)
			if err != nil {
				return nil, fmt.Errorf("error initializing %s: %v", key, err)
			}
			out = append(out, p)

		case "pinpoint":
			var cfg pinpoint.Config
			if err := ko.UnmarshalWithConf(key, &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, fmt.Errorf("error reading %s: %v", key, err)
			}
			p, err := pinpoint.NewSMS(cfg)
			if err != nil {
				return nil, fmt.Errorf("error initializing %s: %v", key, err)
			}
			out = append(out, p)

		case "webhook":
			var cfg webhook.Config
			if err := ko.UnmarshalWithConf(key, &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
				return nil, fmt.Errorf("error reading %s: %v", key, err)
			}
			if cfg.ID == "" {
				cfg.ID = name
			}
			p, err := webhook.New(cfg)
			if err != nil {
				return nil, fmt.Errorf("error initializing %s: %v", key, err)
			}
			out = append(out, p)

		default:
			return nil, fmt.Errorf("unknown provider type '%s' in %s", typ, key)
		}
	}

	return out, nil
}

// initProviderTemplates loads the optional subject/body templates of
// each provider.
func initProviderTemplates(provs []models.Provider) (map[string]*dispatch.Template, error) {
	out := make(map[string]*dispatch.Template)
	for _, p := range provs {
		var (
			tplFile = ko.String(fmt.Sprintf("provider.%s.template", p.ID()))
			subj    = ko.String(fmt.Sprintf("provider.%s.subject", p.ID()))

			tpl dispatch.Template
			err error
		)

		if tplFile != "" {
			tpl.Body, err = template.ParseFiles(tplFile)
			if err != nil {
				return nil, fmt.Errorf("error parsing template %s for %s: %v", tplFile, p.ID(), err)
			}
		}
		if subj != "" {
			tpl.Subject, err = template.New("subject").Parse(subj)
			if err != nil {
				return nil, fmt.Errorf("error parsing subject template for %s: %v", p.ID(), err)
			}
		}

		if tpl.Body != nil || tpl.Subject != nil {
			out[p.ID()] = &tpl
		}
	}
	return out, nil
}

// initAuth loads the client:secret authorisation maps.
func initAuth() map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		k := ko.StringMap("auth." + a)
		var (
			client = k["client"]
			secret = k["secret"]
		)

		if client == "" || secret == "" {
			lo.Fatal("client or secret keys not found", "block", "auth."+a)
		}
		out[client] = secret
	}

	return out
}
