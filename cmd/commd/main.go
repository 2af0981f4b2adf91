// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Command commd runs the comm engine as a small TCP echo or relay server.
// It exists to exercise the engine end to end: accept backpressure,
// outbound connects with retries, idle timeouts, metrics and live reload.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	s := &server{
		listenAddr:  "127.0.0.1:3128",
		metricsAddr: "127.0.0.1:9128",
		idleTimeout: defaultIdleTimeout,
		bufSize:     defaultBufSize,
		cpu:         -1,
	}

	cmd := &cobra.Command{
		Use:   "commd [flags]",
		Short: "Run a TCP echo or relay server on the comm engine",
		Long: `commd accepts TCP connections on --listen. Without --upstream every
connection is echoed back. With --upstream each client is relayed to that
host:port; the host may be a name, resolved through the configured
nameservers.

SIGHUP or a change to the file given with --config reloads it. The HTTP
server on --metrics.addr exposes /metrics and /debug/state.
`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&s.configPath, "config", s.configPath, "YAML file with engine settings")
	cmd.Flags().StringVar(&s.listenAddr, "listen", s.listenAddr, "Address to accept clients on")
	cmd.Flags().StringVar(&s.upstream, "upstream", s.upstream, "host:port to relay clients to; echo when empty")
	cmd.Flags().StringVar(&s.metricsAddr, "metrics.addr", s.metricsAddr, "Address for /metrics and /debug/state; empty disables it")
	cmd.Flags().StringVar(&s.logLevel, "log.level", s.logLevel, "Override the configured log level")
	cmd.Flags().DurationVar(&s.idleTimeout, "idle-timeout", s.idleTimeout, "Close connections idle for this long")
	cmd.Flags().Var(&s.bufSize, "buffer-size", "Read buffer size per direction, e.g. 16KiB")
	cmd.Flags().IntVar(&s.cpu, "cpu", s.cpu, "Pin the event loop thread to this CPU; -1 leaves it unpinned")
	return cmd
}

// byteSize is a flag value accepting sizes like 4096, 16KiB or 1MB.
type byteSize int

var _ pflag.Value = (*byteSize)(nil)

func (b *byteSize) Set(v string) error {
	n, err := units.ParseBase2Bytes(v)
	if err != nil {
		plain, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return errors.Wrapf(err, "invalid size %q", v)
		}
		n = units.Base2Bytes(plain)
	}
	if n <= 0 || n > 64<<20 {
		return errors.Errorf("size %q out of range (0, 64MiB]", v)
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) String() string { return units.Base2Bytes(*b).String() }

func (b *byteSize) Type() string { return "bytes" }
