package main

import (
	"context"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/meshrtc/authcore/wire"
)

// BusTransport serves allocate over the signaling bus: the same CBOR
// request/reply schema as the HTTP surface, on a NATS subject.
type BusTransport struct {
	conn    *nats.Conn
	issuer  *Issuer
	subject string
	sub     *nats.Subscription
}

// NewBusTransport connects to NATS. An empty URL disables the
// transport and returns nil without error.
func NewBusTransport(cfg NATSConfig, issuer *Issuer) (*BusTransport, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name("authcore-ais"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Signaling bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Signaling bus reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("Signaling bus connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "ais.allocate"
	}

	return &BusTransport{conn: conn, issuer: issuer, subject: subject}, nil
}

// Start subscribes to the allocate subject. Each message is one
// request; the reply carries the CBOR response.
func (b *BusTransport) Start(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		req, err := wire.DecodeAllocateRequest(msg.Data)
		var resp *wire.AllocateResponse
		if err != nil {
			resp = &wire.AllocateResponse{Failure: &wire.AllocateFailure{
				Code:    wire.FailureInternal,
				Message: "malformed allocate request",
			}}
		} else {
			callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			resp = b.issuer.Allocate(callCtx, req)
			cancel()
		}

		data, err := wire.EncodeAllocateResponse(resp)
		if err != nil {
			log.Error().Err(err).Msg("Bus response encoding failed")
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(data); err != nil {
				log.Warn().Err(err).Msg("Bus reply failed")
			}
		}
	})
	if err != nil {
		return err
	}
	b.sub = sub

	log.Info().Str("subject", b.subject).Msg("Allocate served on signaling bus")
	return nil
}

// Close drains the subscription and closes the connection.
func (b *BusTransport) Close() {
	if b == nil {
		return
	}
	if b.sub != nil {
		b.sub.Drain()
	}
	b.conn.Drain()
	b.conn.Close()
}
