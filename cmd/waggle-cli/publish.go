package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

type publishOptions struct {
	file     string
	text     string
	toNode   string
	toDevice string
}

func newPublishCommand() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a plugin message",
		Long: `Publish a CBOR-encoded message as the authenticated plugin. The message
is read from --file ("-" for stdin), or built from --text addressed to
--to-node and --to-device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "Encoded message to publish")
	cmd.Flags().StringVar(&opts.text, "text", "", "Build a one-unit message with this body")
	cmd.Flags().StringVar(&opts.toNode, "to-node", string(envelope.ZeroID), "Receiver node ID for --text")
	cmd.Flags().StringVar(&opts.toDevice, "to-device", string(envelope.ZeroID), "Receiver device ID for --text")
	cmd.MarkFlagsMutuallyExclusive("file", "text")
	cmd.MarkFlagsOneRequired("file", "text")

	return cmd
}

func runPublish(ctx context.Context, stdin io.Reader, out io.Writer, opts publishOptions) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if opts.file != "" {
		data, err = readInput(stdin, opts.file)
	} else {
		data, err = buildMessage(opts)
	}
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(out, "Publishing %d bytes to %s...\n", len(data), serverURL)

	response, err := client.PublishMessage(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	fmt.Fprintf(out, "✅ Message accepted\n")
	fmt.Fprintf(out, "Message ID: %s\n", response.MessageID)
	fmt.Fprintf(out, "Identity: %s\n", response.Identity)
	fmt.Fprintf(out, "Timestamp: %s\n", response.Timestamp.Format("2006-01-02 15:04:05"))

	return nil
}

// buildMessage encodes one envelope carrying one unit. The router stamps
// the sender and plugin fields.
func buildMessage(opts publishOptions) ([]byte, error) {
	node, err := envelope.NormalizeID(opts.toNode)
	if err != nil {
		return nil, fmt.Errorf("--to-node: %w", err)
	}
	device, err := envelope.NormalizeID(opts.toDevice)
	if err != nil {
		return nil, fmt.Errorf("--to-device: %w", err)
	}

	c := codec.New(codec.DefaultOptions())
	body, err := c.EncodeUnits([]envelope.Unit{{Body: []byte(opts.text)}})
	if err != nil {
		return nil, err
	}
	return c.EncodeEnvelopes([]envelope.Envelope{{
		SenderID:      envelope.ZeroID,
		SenderSubID:   envelope.ZeroID,
		ReceiverID:    node,
		ReceiverSubID: device,
		Body:          body,
	}})
}
