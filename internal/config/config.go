// Package config implements the Config Loader (component I): compiled-in
// defaults, overridden by a YAML file, overridden in turn by CLI flags,
// per SPEC_FULL.md §4.8. Flag registration follows the teacher's
// `pkg/export/setup.SetupFlags` style of binding each option directly to
// a `kingpin.Application`.
package config

import (
	"os"
	"strconv"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TrunkPort is the YAML-friendly form of a configured uplink entry,
// keyed by switch segment with a "mac,port" value per spec.md §6.
type TrunkPort struct {
	Segment string
	MAC     string
	Port    string
}

// Config is the fully resolved configuration, precedence low to high:
// defaults, CONFIG_FILE, CLI flags.
type Config struct {
	ControllerType                string        `yaml:"type"`
	ControllerURI                 string        `yaml:"uri"`
	ControllerPass                string        `yaml:"controller_pass"`
	ControllerConfigFile          string        `yaml:"config_file"`
	RulesFile                     string        `yaml:"rules_file"`
	ScanFrequency                 time.Duration `yaml:"scan_frequency"`
	ReinvestigationFrequency      time.Duration `yaml:"reinvestigation_frequency"`
	MaxConcurrentReinvestigations int           `yaml:"max_concurrent_reinvestigations"`
	AutomatedACLs                 bool          `yaml:"automated_acls"`
	TrunkPorts                    []TrunkPort   `yaml:"trunk_ports"`

	RabbitServer string `yaml:"rabbit_server"`
	RabbitPort   int    `yaml:"rabbit_port"`

	FARabbitEnabled    bool   `yaml:"fa_rabbit_enabled"`
	FARabbitHost       string `yaml:"fa_rabbit_host"`
	FARabbitPort       int    `yaml:"fa_rabbit_port"`
	FARabbitExchange   string `yaml:"fa_rabbit_exchange"`
	FARabbitRoutingKey string `yaml:"fa_rabbit_routing_key"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	MetricsAddr    string `yaml:"metrics_addr"`
	NetworkFullURL string `yaml:"network_full_url"`
	PrefixLengthV4 int    `yaml:"prefix_length_v4"`
	PrefixLengthV6 int    `yaml:"prefix_length_v6"`
	OUIFile        string `yaml:"oui_file"`
	LogLevel       string `yaml:"log_level"`
}

// Defaults returns the compiled-in baseline configuration.
func Defaults() Config {
	return Config{
		ControllerType:                "none",
		ControllerConfigFile:          "/etc/faucet/faucet.yaml",
		RulesFile:                     "/etc/poseidon/rules.yaml",
		ScanFrequency:                 10 * time.Second,
		ReinvestigationFrequency:      900 * time.Second,
		MaxConcurrentReinvestigations: 2,
		AutomatedACLs:                 false,
		RabbitServer:                  "rabbitmq",
		RabbitPort:                    5672,
		EtcdEndpoints:                 []string{"http://localhost:2379"},
		MetricsAddr:                   ":9304",
		NetworkFullURL:                "http://poseidon-api:8000/v1/network_full",
		PrefixLengthV4:                24,
		PrefixLengthV6:                64,
		LogLevel:                      "info",
	}
}

// yamlFile mirrors Config's durations as plain seconds, matching the
// original implementation's `scan_frequency`/`reinvestigation_frequency`
// config keys (seconds, not Go duration strings).
type yamlFile struct {
	ControllerType                  string            `yaml:"type"`
	ControllerURI                   string            `yaml:"uri"`
	ControllerPass                  string            `yaml:"controller_pass"`
	ControllerConfigFile            string            `yaml:"config_file"`
	RulesFile                       string            `yaml:"rules_file"`
	ScanFrequencySeconds            int               `yaml:"scan_frequency"`
	ReinvestigationFrequencySeconds int               `yaml:"reinvestigation_frequency"`
	MaxConcurrentReinvestigations   *int              `yaml:"max_concurrent_reinvestigations"`
	AutomatedACLs                   *bool             `yaml:"automated_acls"`
	TrunkPorts                      map[string]string `yaml:"trunk_ports"`

	RabbitServer string `yaml:"rabbit_server"`
	RabbitPort   int    `yaml:"rabbit_port"`

	FARabbitEnabled    *bool  `yaml:"fa_rabbit_enabled"`
	FARabbitHost       string `yaml:"fa_rabbit_host"`
	FARabbitPort       int    `yaml:"fa_rabbit_port"`
	FARabbitExchange   string `yaml:"fa_rabbit_exchange"`
	FARabbitRoutingKey string `yaml:"fa_rabbit_routing_key"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	MetricsAddr    string `yaml:"metrics_addr"`
	NetworkFullURL string `yaml:"network_full_url"`
	PrefixLengthV4 int    `yaml:"prefix_length_v4"`
	PrefixLengthV6 int    `yaml:"prefix_length_v6"`
	OUIFile        string `yaml:"oui_file"`
	LogLevel       string `yaml:"log_level"`
}

// LoadFile merges the YAML file at path over base, leaving base
// unchanged for any key the file does not set. A missing file is not
// an error (the default path need not exist); a malformed file is.
func LoadFile(base Config, path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, errors.Wrapf(err, "reading config file %s", path)
	}

	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return base, errors.Wrapf(err, "parsing config file %s", path)
	}

	out := base
	setStr(&out.ControllerType, f.ControllerType)
	setStr(&out.ControllerURI, f.ControllerURI)
	setStr(&out.ControllerPass, f.ControllerPass)
	setStr(&out.ControllerConfigFile, f.ControllerConfigFile)
	setStr(&out.RulesFile, f.RulesFile)
	if f.ScanFrequencySeconds > 0 {
		out.ScanFrequency = time.Duration(f.ScanFrequencySeconds) * time.Second
	}
	if f.ReinvestigationFrequencySeconds > 0 {
		out.ReinvestigationFrequency = time.Duration(f.ReinvestigationFrequencySeconds) * time.Second
	}
	if f.MaxConcurrentReinvestigations != nil {
		out.MaxConcurrentReinvestigations = *f.MaxConcurrentReinvestigations
	}
	if f.AutomatedACLs != nil {
		out.AutomatedACLs = *f.AutomatedACLs
	}
	if len(f.TrunkPorts) > 0 {
		out.TrunkPorts = nil
		for segment, macPort := range f.TrunkPorts {
			mac, port := splitMACPort(macPort)
			out.TrunkPorts = append(out.TrunkPorts, TrunkPort{Segment: segment, MAC: mac, Port: port})
		}
	}
	setStr(&out.RabbitServer, f.RabbitServer)
	if f.RabbitPort > 0 {
		out.RabbitPort = f.RabbitPort
	}
	if f.FARabbitEnabled != nil {
		out.FARabbitEnabled = *f.FARabbitEnabled
	}
	setStr(&out.FARabbitHost, f.FARabbitHost)
	if f.FARabbitPort > 0 {
		out.FARabbitPort = f.FARabbitPort
	}
	setStr(&out.FARabbitExchange, f.FARabbitExchange)
	setStr(&out.FARabbitRoutingKey, f.FARabbitRoutingKey)
	if len(f.EtcdEndpoints) > 0 {
		out.EtcdEndpoints = f.EtcdEndpoints
	}
	setStr(&out.MetricsAddr, f.MetricsAddr)
	setStr(&out.NetworkFullURL, f.NetworkFullURL)
	if f.PrefixLengthV4 > 0 {
		out.PrefixLengthV4 = f.PrefixLengthV4
	}
	if f.PrefixLengthV6 > 0 {
		out.PrefixLengthV6 = f.PrefixLengthV6
	}
	setStr(&out.OUIFile, f.OUIFile)
	setStr(&out.LogLevel, f.LogLevel)
	return out, nil
}

func setStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func splitMACPort(s string) (mac, port string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// RegisterFlags binds every CLI flag to cfg, to be applied after
// LoadFile and before kingpin.Application.Parse returns, so flags take
// the highest precedence.
func RegisterFlags(a *kingpin.Application, cfg *Config) {
	a.Flag("type", "SDN controller family: faucet, bcf, or none.").
		Default(cfg.ControllerType).StringVar(&cfg.ControllerType)
	a.Flag("uri", "SDN controller base URI.").
		Default(cfg.ControllerURI).StringVar(&cfg.ControllerURI)
	a.Flag("controller-pass", "SDN controller credential.").
		Default(cfg.ControllerPass).StringVar(&cfg.ControllerPass)
	a.Flag("config-file", "Faucet mirror-config YAML path.").
		Default(cfg.ControllerConfigFile).StringVar(&cfg.ControllerConfigFile)
	a.Flag("rules-file", "ACL rules YAML path.").
		Default(cfg.RulesFile).StringVar(&cfg.RulesFile)
	a.Flag("scan-frequency", "Reconciler tick cadence.").
		Default(cfg.ScanFrequency.String()).DurationVar(&cfg.ScanFrequency)
	a.Flag("reinvestigation-frequency", "Scheduler sweep cadence.").
		Default(cfg.ReinvestigationFrequency.String()).DurationVar(&cfg.ReinvestigationFrequency)
	a.Flag("max-concurrent-reinvestigations", "Global investigation budget.").
		Default(strconv.Itoa(cfg.MaxConcurrentReinvestigations)).IntVar(&cfg.MaxConcurrentReinvestigations)
	a.Flag("automated-acls", "Push ACL updates automatically after each reconciliation.").
		Default(strconv.FormatBool(cfg.AutomatedACLs)).BoolVar(&cfg.AutomatedACLs)
	a.Flag("rabbit-server", "Primary AMQP broker host.").
		Default(cfg.RabbitServer).StringVar(&cfg.RabbitServer)
	a.Flag("rabbit-port", "Primary AMQP broker port.").
		Default(strconv.Itoa(cfg.RabbitPort)).IntVar(&cfg.RabbitPort)
	a.Flag("fa-rabbit-enabled", "Enable the secondary push-event subscription.").
		Default(strconv.FormatBool(cfg.FARabbitEnabled)).BoolVar(&cfg.FARabbitEnabled)
	a.Flag("fa-rabbit-host", "Secondary AMQP broker host.").
		Default(cfg.FARabbitHost).StringVar(&cfg.FARabbitHost)
	a.Flag("fa-rabbit-port", "Secondary AMQP broker port.").
		Default(strconv.Itoa(cfg.FARabbitPort)).IntVar(&cfg.FARabbitPort)
	a.Flag("fa-rabbit-exchange", "Secondary AMQP exchange.").
		Default(cfg.FARabbitExchange).StringVar(&cfg.FARabbitExchange)
	a.Flag("fa-rabbit-routing-key", "Push-event routing key to bind.").
		Default(cfg.FARabbitRoutingKey).StringVar(&cfg.FARabbitRoutingKey)
	a.Flag("etcd-endpoint", "etcd cluster endpoint (repeatable).").
		Default(cfg.EtcdEndpoints...).StringsVar(&cfg.EtcdEndpoints)
	a.Flag("metrics-addr", "Address to emit Prometheus metrics on.").
		Default(cfg.MetricsAddr).StringVar(&cfg.MetricsAddr)
	a.Flag("network-full-url", "Auxiliary HTTP endpoint polled each tick for the full network table.").
		Default(cfg.NetworkFullURL).StringVar(&cfg.NetworkFullURL)
	a.Flag("prefix-length-v4", "IPv4 subnet derivation width.").
		Default(strconv.Itoa(cfg.PrefixLengthV4)).IntVar(&cfg.PrefixLengthV4)
	a.Flag("prefix-length-v6", "IPv6 subnet derivation width.").
		Default(strconv.Itoa(cfg.PrefixLengthV6)).IntVar(&cfg.PrefixLengthV6)
	a.Flag("oui-file", "Path to an nmap-style MAC-prefix vendor table (accepted but not read; the built-in table is always used).").
		Default(cfg.OUIFile).StringVar(&cfg.OUIFile)
	a.Flag("log-level", "Log level: debug, info, warn, or error.").
		Default(cfg.LogLevel).StringVar(&cfg.LogLevel)
}


