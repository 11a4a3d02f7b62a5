package config

import (
	"flag"
	"fmt"
	"net"
	"strings"
)

type Cli struct {
	Mode                string
	HTTPAddress         string
	HTTPInternalAddress string

	APIKey        string
	AdminPassword string
	BaseURL       string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDatabase int

	UploadsDir string
	ContentDir string
	LogFile    string

	HLSTime            int
	ThumbnailQuality   int
	ThumbnailMaxWidth  int
	ThumbnailMaxHeight int

	WebhookURL             string
	AllowedDownloadDomains []string
	VerifySSLDownloads     bool
	ParallelLimit          int
	AllowedOrigins         []string
}

func (cli *Cli) RedisAddr() string {
	return fmt.Sprintf("%s:%d", cli.RedisHost, cli.RedisPort)
}

// SegmentDurationSec returns the configured HLS segment duration clamped to
// the supported [2, 3] second window.
func (cli *Cli) SegmentDurationSec() int {
	if cli.HLSTime < 2 {
		return 2
	}
	if cli.HLSTime > 3 {
		return 3
	}
	return cli.HLSTime
}

func (cli *Cli) RunAPI() bool {
	return cli.Mode == "api" || cli.Mode == "all"
}

func (cli *Cli) RunWorker() bool {
	return cli.Mode == "worker" || cli.Mode == "all"
}

// handles -foo=value1,value2,value3
func CommaSliceFlag(fs *flag.FlagSet, dest *[]string, name string, value []string, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		if s == "" {
			*dest = []string{}
			return nil
		}
		split := strings.Split(s, ",")
		for i, v := range split {
			split[i] = strings.TrimSpace(v)
		}
		*dest = split
		return nil
	})
}

// Checks that addresses are of the form "host:port"
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			return err
		}
		if host == "" {
			return fmt.Errorf("address %s must include a host", s)
		}
		*dest = s
		return nil
	})
}

// handles -no-foo to disable a default-on boolean
func InvertedBoolFlag(fs *flag.FlagSet, dest *bool, name string, value bool, usage string) {
	*dest = value
	fs.BoolVar(dest, name, value, usage)
	inverted := !value
	fs.Func("no-"+name, "disables -"+name, func(s string) error {
		*dest = inverted
		return nil
	})
}
