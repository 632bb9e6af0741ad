// Package cmd wires up the CLI flags and runs the chat client.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"exochat/config"
	"exochat/internal/core"
	"exochat/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X exochat/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// readSecret prompts for the login password; tests replace it.
var (
	defaultReadSecret = util.ReadSecret
	readSecret        = defaultReadSecret //nolint:gochecknoglobals
)

// options are the flags that steer the command rather than the login.
type options struct {
	showVersion bool
	showHelp    bool
	dryRun      bool
}

// Execute parses args and runs an interactive chat session on the
// process's standard streams.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout)
}

func execute(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	cfg, opts, fs, err := parse(args)
	if err != nil {
		return err
	}

	if opts.showHelp || (len(args) == 0 && cfg.Host == "") {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Fprintf(out, "exochat %s\n", version)
		return nil
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := util.NewLogger(cfg.Verbose)
	if cfg.ConfigFile != "" {
		logger.Verbose("loaded %s", cfg.ConfigFile)
	}

	if opts.dryRun {
		printPlan(out, cfg)
		return nil
	}

	// ── credentials ──────────────────────────────────────────────
	if cfg.Password == "" {
		pw, err := readSecret(fmt.Sprintf("Password for %s@%s: ", cfg.Username, cfg.Address()))
		if err != nil {
			return err
		}
		cfg.Password = pw
	}

	// ── build and run ────────────────────────────────────────────
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if cm, ok := mode.(*core.ChatMode); ok {
		cm.Stdin, cm.Stdout = in, out
		cm.AskPassword = readSecret
	}
	return mode.Run(ctx)
}

// parse layers defaults, the config file, the environment and the
// command line, in that order of increasing precedence.
func parse(args []string) (*config.Config, *options, *flag.FlagSet, error) {
	cfg := config.New()
	if path := configPath(args); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, nil, nil, err
		}
	}
	config.LoadFromEnv(cfg)

	// Flag defaults are the values loaded so far, so an absent flag
	// leaves them alone.
	opts := &options{}
	fs := flag.NewFlagSet("exochat", flag.ContinueOnError)

	// ── login ────────────────────────────────────────────────────
	fs.StringVarP(&cfg.Username, "user", "u", cfg.Username, "Login name")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "TOML config file")

	// ── connection ───────────────────────────────────────────────
	fs.IntVarP(&cfg.LocalPort, "local-port", "p", cfg.LocalPort, "Local source port")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")

	timeoutSec := int(cfg.ConnTimeout / time.Second)
	fs.IntVarP(&timeoutSec, "timeout", "w", timeoutSec, "Connect timeout in seconds")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Bound on each key exchange and login step")
	fs.BoolVar(&cfg.LenientDecode, "lenient", cfg.LenientDecode, "Skip undecryptable chunks instead of dropping the frame")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the server through an SSH bastion, [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	verbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Serve Prometheus metrics on this address")

	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, err
	}

	if !fs.Changed("verbose") {
		cfg.Verbose = verbose
	}
	if fs.Changed("timeout") {
		cfg.ConnTimeout = time.Duration(timeoutSec) * time.Second
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return nil, nil, nil, err
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return nil, nil, nil, err
	}
	return cfg, opts, fs, nil
}

// ── helpers ──────────────────────────────────────────────────────────

// configPath finds --config ahead of the full parse so the file can
// supply flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return ""
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

// parsePositional reads "<host> [port]".  Either may come from the
// config file or environment instead.
func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0:
	case 1:
		cfg.Host = remaining[0]
	case 2:
		cfg.Host = remaining[0]
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		cfg.Port = port
	default:
		return fmt.Errorf("too many arguments: expected <host> <port>")
	}
	return nil
}

// printPlan describes what a login would do, without the password.
func printPlan(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "server:    %s\n", cfg.Address())
	fmt.Fprintf(w, "user:      %s\n", cfg.Username)
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:    %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
	fmt.Fprintf(w, "timeouts:  connect %s, handshake %s\n", cfg.ConnTimeout, cfg.HandshakeTimeout)
	if cfg.LenientDecode {
		fmt.Fprintln(w, "decode:    lenient")
	}
	if cfg.MetricsListen != "" {
		fmt.Fprintf(w, "metrics:   http://%s/metrics\n", cfg.MetricsListen)
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `exochat – encrypted chat client v%s

Logs in to a chat server, swaps RSA keys and opens an interactive
console.  Type /help once connected for the command list.

Usage:
  exochat [options] -u <user> <host> <port>   Log in
  exochat -T user@gateway -u <user> <host> <port>
                                              Log in through an SSH bastion
  exochat --config exochat.toml               Log in with saved settings

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  EXOCHAT_HOST, EXOCHAT_PORT, EXOCHAT_USER, EXOCHAT_PASSWORD, EXOCHAT_TUNNEL, ...
  The password is prompted for when neither the config file nor
  EXOCHAT_PASSWORD supplies it.

Examples:
  exochat -u alice 192.168.1.20 5000
  exochat -v --metrics-listen 127.0.0.1:9100 -u alice chat.lan 5000
  exochat -T admin@bastion --ssh-agent -u alice 10.0.0.2 5000
`)
}
