package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/faults"
	"github.com/rmacdonaldsmith/waggle-router/internal/router"
	policies "github.com/rmacdonaldsmith/waggle-router/internal/routing"
	"github.com/rmacdonaldsmith/waggle-router/internal/validator"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

type routeOptions struct {
	mode        string
	nodeID      string
	deviceID    string
	identity    string
	tablePath   string
	compression string
	outDir      string
}

func newRouteCommand() *cobra.Command {
	var opts routeOptions

	cmd := &cobra.Command{
		Use:   "route [file]",
		Short: "Route one encoded message offline",
		Long: `Route one CBOR-encoded message and print the derived destinations.
The message is read from file, or from stdin when file is "-" or omitted.
With --identity the message is first stamped as if that plugin had
published it. With --out every derived payload is written to a file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			data, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			return runRoute(cmd.Context(), cmd.OutOrStdout(), opts, data)
		},
	}

	opts.addFlags(cmd.Flags())

	return cmd
}

func (o *routeOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.mode, "mode", string(routing.ModeBeehive), "Routing mode: beehive, node, plugin or table")
	fs.StringVar(&o.nodeID, "node-id", string(envelope.ZeroID), "Node ID stamped by --identity")
	fs.StringVar(&o.deviceID, "device-id", string(envelope.ZeroID), "Device ID stamped by --identity")
	fs.StringVar(&o.identity, "identity", "", "Stamp the message as this plugin credential before routing")
	fs.StringVar(&o.tablePath, "table", "", "Admission table database for table mode")
	fs.StringVar(&o.compression, "compression", "none", "Frame compression for derived payloads: none, lz4 or zstd")
	fs.StringVar(&o.outDir, "out", "", "Directory to write derived payloads to")
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

func runRoute(ctx context.Context, out io.Writer, opts routeOptions, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	mode, err := routing.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	compression, err := codec.ParseCompression(opts.compression)
	if err != nil {
		return err
	}
	c := codec.New(codec.Options{Compression: compression})

	if opts.identity != "" {
		if data, err = stamp(c, opts, data); err != nil {
			return err
		}
	}

	var table *policies.Table
	if mode == routing.ModeTable {
		if opts.tablePath == "" {
			return fmt.Errorf("table mode requires --table")
		}
		store, err := policies.OpenTableStore(opts.tablePath)
		if err != nil {
			return err
		}
		defer store.Close()

		table = policies.NewTable(store)
		if _, err := table.Refresh(ctx); err != nil {
			return err
		}
	}

	policy, err := policies.New(mode, table)
	if err != nil {
		return err
	}
	r, err := router.New(router.Config{Codec: c, Policy: policy})
	if err != nil {
		return err
	}

	count := 0
	for route, err := range r.RouteMessage(data) {
		if err != nil {
			return fmt.Errorf("route: %w", err)
		}
		fmt.Fprintf(out, "%s\t%d bytes\t%s\n", route.Destination, len(route.Payload), faults.Digest(route.Payload))
		if opts.outDir != "" {
			if err := writePayload(opts.outDir, count, route); err != nil {
				return err
			}
		}
		count++
	}
	if count == 0 {
		fmt.Fprintln(out, "no routes")
	}
	return nil
}

// stamp runs the message through a validator as if opts.identity had
// published it.
func stamp(c envelope.Codec, opts routeOptions, data []byte) ([]byte, error) {
	node, err := envelope.NormalizeID(opts.nodeID)
	if err != nil {
		return nil, err
	}
	device, err := envelope.NormalizeID(opts.deviceID)
	if err != nil {
		return nil, err
	}
	v, err := validator.New(validator.Config{Codec: c, NodeID: node, DeviceID: device})
	if err != nil {
		return nil, err
	}
	for route, err := range v.Process(opts.identity, data) {
		if err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
		return route.Payload, nil
	}
	return nil, fmt.Errorf("validate: no output")
}

func writePayload(dir string, n int, route routing.Route) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	name := fmt.Sprintf("%03d-%s.cbor", n, strings.ReplaceAll(route.Destination, "/", "_"))
	if err := os.WriteFile(filepath.Join(dir, name), route.Payload, 0o644); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
