package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

// unitView is the printed form of a unit. Text is set when the body is
// valid UTF-8.
type unitView struct {
	Plugin string `json:"plugin"`
	Size   int    `json:"size"`
	Text   string `json:"text,omitempty"`
}

type envelopeView struct {
	SenderID      envelope.ID `json:"senderId"`
	SenderSubID   envelope.ID `json:"senderSubId"`
	ReceiverID    envelope.ID `json:"receiverId"`
	ReceiverSubID envelope.ID `json:"receiverSubId"`
	BodySize      int         `json:"bodySize"`
	Units         []unitView  `json:"units,omitempty"`
	UnitsError    string      `json:"unitsError,omitempty"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Decode a message locally",
		Long: `Decode a CBOR-encoded message and print its envelopes and units as JSON.
The message is read from file, or from stdin when file is "-" or omitted.`,
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
			return runInspect(cmd.OutOrStdout(), data)
		},
	}

	return cmd
}

func runInspect(out io.Writer, data []byte) error {
	c := codec.New(codec.DefaultOptions())
	envelopes, err := c.DecodeEnvelopes(data)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	views := make([]envelopeView, 0, len(envelopes))
	for _, e := range envelopes {
		view := envelopeView{
			SenderID:      e.SenderID,
			SenderSubID:   e.SenderSubID,
			ReceiverID:    e.ReceiverID,
			ReceiverSubID: e.ReceiverSubID,
			BodySize:      len(e.Body),
		}
		units, err := c.DecodeUnits(e.Body)
		if err != nil {
			view.UnitsError = err.Error()
		}
		for _, u := range units {
			uv := unitView{Plugin: u.Identity().String(), Size: len(u.Body)}
			if utf8.Valid(u.Body) {
				uv.Text = string(u.Body)
			}
			view.Units = append(view.Units, uv)
		}
		views = append(views, view)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
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
