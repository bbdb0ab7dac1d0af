// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/rkorzeniewski/bacula-sub003/internal/auth"
	"github.com/rkorzeniewski/bacula-sub003/internal/commands/shared"
	"github.com/rkorzeniewski/bacula-sub003/internal/config"
	"github.com/rkorzeniewski/bacula-sub003/internal/daemon"
	"github.com/rkorzeniewski/bacula-sub003/internal/log"
	"github.com/rkorzeniewski/bacula-sub003/internal/secrets"
)

// PasswordEnv overrides the configured console password.
const PasswordEnv = "BACULA_CONSOLE_PASSWORD"

// Console flags
var (
	consoleAddress  string
	consoleName     string
	consolePassword string
	consoleTimeout  time.Duration
	consoleRetry    time.Duration
	commandTimeout  time.Duration
)

// RegisterFlags adds the connection flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&consoleAddress, "address", "a", "", "Daemon address (default: listen.address from the config)")
	fs.StringVarP(&consoleName, "name", "n", "", "Console name (default: first console peer in the config)")
	fs.StringVar(&consolePassword, "password", "", "Console password (default: $"+PasswordEnv+", the config, or a prompt)")
	fs.DurationVar(&consoleTimeout, "timeout", 0, "Authentication timeout")
	fs.DurationVar(&consoleRetry, "retry", 0, "Keep retrying the connection for this long")
	fs.DurationVar(&commandTimeout, "command-timeout", DefaultCommandTimeout, "Give up on a reply after this long")
}

// Run connects and executes the command in args, or every line read from
// the command's input when args is empty.
func Run(cmd *cobra.Command, args []string) error {
	cfg, _, err := daemon.LoadConfig(shared.GetConfigPath())
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}
	opts, err := clientOptions(cmd, cfg)
	if err != nil {
		return err
	}

	c, err := Connect(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.Address, err)
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		return ignoreHangup(c.Command(strings.Join(args, " "), out))
	}

	interactive := isTerminal(cmd.InOrStdin())
	if interactive {
		fmt.Fprintf(out, "Connecting to %s %s\n", opts.Address, c.Greeting())
	}
	return ignoreHangup(loop(c, cmd.InOrStdin(), out, interactive))
}

func loop(c *Client, in io.Reader, out io.Writer, interactive bool) error {
	sc := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "*")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := c.Command(line, out); err != nil {
			return err
		}
		switch strings.ToLower(strings.Fields(line)[0]) {
		case "quit", "exit":
			return nil
		}
	}
}

func ignoreHangup(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func clientOptions(cmd *cobra.Command, cfg *config.Config) (ClientOptions, error) {
	opts := ClientOptions{
		Address:        consoleAddress,
		Name:           consoleName,
		Timeout:        consoleTimeout,
		CommandTimeout: commandTimeout,
		MaxRetryTime:   consoleRetry,
		TLSLevel:       cfg.TLS.TLSLevel(),
		Legacy:         !cfg.TLS.Compatible,
		Logger:         consoleLogger(),
	}
	if opts.Address == "" {
		opts.Address = dialAddress(cfg.Listen.Address)
	}

	peer, ok := consolePeer(cfg, opts.Name)
	if opts.Name == "" {
		opts.Name = DefaultName
		if ok {
			opts.Name = peer.Name
		}
	}
	if ok && peer.TLSLevel != "" {
		level, err := auth.ParseLevel(peer.TLSLevel)
		if err != nil {
			return opts, err
		}
		opts.TLSLevel = level
	}
	tlsConf, err := cfg.TLS.ClientConfig()
	if err != nil {
		return opts, err
	}
	opts.TLSConfig = tlsConf

	password, err := consolePasswordFor(cmd, cfg, peer, ok)
	if err != nil {
		return opts, err
	}
	opts.Password = password
	return opts, nil
}

// consolePeer returns the named peer, or the first console peer when
// name is empty.
func consolePeer(cfg *config.Config, name string) (config.PeerConfig, bool) {
	if name != "" {
		return cfg.Peer(name)
	}
	for _, p := range cfg.Peers {
		if kind, err := auth.ParseKind(p.Kind); err == nil && kind == auth.KindConsole {
			return p, true
		}
	}
	return config.PeerConfig{}, false
}

func consolePasswordFor(cmd *cobra.Command, cfg *config.Config, peer config.PeerConfig, havePeer bool) (string, error) {
	if consolePassword != "" {
		return consolePassword, nil
	}
	if v := os.Getenv(PasswordEnv); v != "" {
		return v, nil
	}
	if havePeer {
		r, err := secrets.NewDefaultResolver(cfg.Secrets.File, cfg.Secrets.Keychain)
		if err != nil {
			return "", err
		}
		return r.ResolvePassword(cmd.Context(), peer.Password)
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", errors.New("no console password: use --password, $" + PasswordEnv + ", or a console peer in the config")
}

// dialAddress turns a listen address into one a client can reach.
func dialAddress(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func consoleLogger() *slog.Logger {
	level := "warn"
	if shared.GetVerbose() {
		level = "debug"
	}
	return log.New(&log.Config{Level: level, Format: log.FormatText, Output: os.Stderr})
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
