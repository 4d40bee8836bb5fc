package worker

import (
	"context"
	"errors"
	"io"

	"botfleet/pkg/protocol"
)

// Serve runs an Engine over a line-delimited JSON control channel: control
// messages are read from r and reports are written to w. cfg.Out is
// replaced by an encoder on w. Malformed control lines are reported back as
// ERROR messages and otherwise ignored.
func Serve(ctx context.Context, r io.Reader, w io.Writer, cfg Config) error {
	enc := protocol.NewEncoder(w)
	cfg.Out = enc
	e := New(cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan protocol.Message)
	go readControl(ctx, protocol.NewDecoder(r), enc, e.cfg, in)

	return e.Run(ctx, in)
}

func readControl(ctx context.Context, dec *protocol.Decoder, enc *protocol.Encoder, cfg Config, in chan<- protocol.Message) {
	defer close(in)
	for {
		msg, err := dec.Next()
		if err != nil {
			var malformed *protocol.MalformedMessageError
			if errors.As(err, &malformed) {
				cfg.Logger.WithError(err).Warn("malformed control message")
				_ = enc.Send(protocol.ErrorMessage(err.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) {
				cfg.Logger.WithError(err).Warn("control channel read failed")
			}
			return
		}
		select {
		case in <- msg:
		case <-ctx.Done():
			return
		}
	}
}
