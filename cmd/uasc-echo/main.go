// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command uasc-echo is a minimal OPC UA Secure Conversation server: it
// accepts TCP connections, negotiates HEL/ACK and OPN, and echoes back
// every MSG body it successfully reassembles. It exists to exercise the
// eventloop/transport/channel/security/wire/uatypes stack end to end, not
// to implement any OPC UA service set.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-uasc/channel"
	eventloop "github.com/joeycumines/go-uasc/loop"
	"github.com/joeycumines/go-uasc/security"
	"github.com/joeycumines/go-uasc/transport"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "UASC_ECHO"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "uasc-echo",
		Short: "OPC UA Secure Conversation echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("address", "0.0.0.0", "listen address")
	flags.Uint16("port", 4840, "listen port")
	flags.String("policy", security.NonePolicyURI, "security policy URI: None or Basic256Sha256")
	flags.String("cert", "", "PEM certificate file (required for Basic256Sha256)")
	flags.String("key", "", "PEM RSA private key file (required for Basic256Sha256)")
	flags.Int("max-connections", 0, "maximum concurrent connections (0 = unlimited)")
	flags.String("log-backend", "logiface", "log backend: logiface or zerolog")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	for _, name := range []string{"address", "port", "policy", "cert", "key", "max-connections", "log-backend", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := buildLogger(v.GetString("log-backend"), v.GetString("log-level"))
	if err != nil {
		return err
	}

	policy, err := buildPolicy(v.GetString("policy"), v.GetString("cert"), v.GetString("key"))
	if err != nil {
		return err
	}

	loop, err := eventloop.New(eventloop.WithMetrics(true))
	if err != nil {
		return fmt.Errorf("uasc-echo: construct loop: %w", err)
	}
	if err := loop.Start(); err != nil {
		return fmt.Errorf("uasc-echo: start loop: %w", err)
	}

	mgrOpts := []transport.Option{transport.WithLogger(logger), transport.WithMetrics(loop.Metrics())}
	if n := v.GetInt("max-connections"); n > 0 {
		mgrOpts = append(mgrOpts, transport.WithMaxConnections(n))
	}
	mgr := transport.NewManager(mgrOpts...)
	if err := loop.RegisterEventSource("transport", mgr); err != nil {
		return fmt.Errorf("uasc-echo: register transport: %w", err)
	}

	srv := newEchoServer(loop, mgr, policy, logger)

	address := v.GetString("address")
	port := v.GetUint16("port")
	if _, err := mgr.OpenConnection(transport.OpenParams{
		Address: []string{address},
		Port:    port,
		Listen:  true,
		Reuse:   true,
	}, nil, nil, srv.onConnEvent); err != nil {
		return fmt.Errorf("uasc-echo: listen on %s:%d: %w", address, port, err)
	}

	logger.Log(eventloop.LogEntry{
		Level: eventloop.LevelInfo, Category: "uasc-echo", Message: "listening",
		Context: map[string]interface{}{"address": address, "port": port, "policy": policy.URI()},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Log(eventloop.LogEntry{Level: eventloop.LevelInfo, Category: "uasc-echo", Message: "shutting down"})
		_ = mgr.Stop(loop)
		_ = loop.Stop()
	}()

	if err := loop.Run(-1); err != nil {
		return fmt.Errorf("uasc-echo: loop run: %w", err)
	}
	return nil
}

// echoServer tracks one channel.Channel per accepted connection and
// echoes every reassembled MSG body back to its sender. Every method
// runs exclusively on the loop goroutine, per transport.Callback's
// contract, so no locking is needed despite the shared maps.
type echoServer struct {
	loop    *eventloop.Loop
	mgr     *transport.Manager
	logger  eventloop.Logger
	chans   map[uint64]*channel.Channel
	echoed  map[uint64]uint64
	cfgBase channel.Config
}

func newEchoServer(loop *eventloop.Loop, mgr *transport.Manager, policy security.Policy, logger eventloop.Logger) *echoServer {
	cfg := channel.DefaultConfig()
	cfg.IsServer = true
	cfg.DefaultPolicy = policy
	cfg.Policies = map[string]security.Policy{policy.URI(): policy}

	return &echoServer{
		loop:    loop,
		mgr:     mgr,
		logger:  logger,
		chans:   make(map[uint64]*channel.Channel),
		echoed:  make(map[uint64]uint64),
		cfgBase: cfg,
	}
}

// onConnEvent is the transport.Callback driving every listen/accept/read/
// close notification for this server's single listen socket and all of
// its accepted connections.
func (s *echoServer) onConnEvent(mgr *transport.Manager, connID uint64, application, ctx any, state transport.ConnState, params map[string]any, payload []byte) {
	if payload != nil {
		s.onData(connID, payload)
		return
	}

	switch state {
	case transport.ConnEstablished:
		if _, isListener := params["listen-address"]; isListener {
			return
		}
		s.onAccepted(connID)
	case transport.ConnClosed:
		s.onClosed(connID)
	}
}

func (s *echoServer) onAccepted(connID uint64) {
	cfg := s.cfgBase
	ch := channel.NewChannel(cfg, func(b []byte) error {
		return s.mgr.SendWithConnection(connID, b)
	}, func(requestID, bodyTypeID uint32, body []byte) {
		s.echoed[connID]++
		s.logger.Log(eventloop.LogEntry{
			Level: eventloop.LevelInfo, Category: "uasc-echo", Message: "echoing message",
			Context: map[string]interface{}{"connection_id": connID, "request_id": requestID, "echoed_total": s.echoed[connID]},
		})
		ch := s.chans[connID]
		if ch == nil {
			return
		}
		if err := ch.SendRequest(requestID, bodyTypeID, body); err != nil {
			s.logger.Log(eventloop.LogEntry{
				Level: eventloop.LevelWarn, Category: "uasc-echo", Message: "echo send failed", Err: err,
				Context: map[string]interface{}{"connection_id": connID},
			})
		}
	}, channel.WithLogger(s.logger), channel.WithMetrics(s.loop.Metrics()))

	s.chans[connID] = ch
	if err := ch.Open(s.loop); err != nil {
		s.logger.Log(eventloop.LogEntry{
			Level: eventloop.LevelWarn, Category: "uasc-echo", Message: "channel open failed", Err: err,
			Context: map[string]interface{}{"connection_id": connID},
		})
	}
}

func (s *echoServer) onData(connID uint64, payload []byte) {
	ch := s.chans[connID]
	if ch == nil {
		return
	}
	if err := ch.Feed(payload); err != nil {
		s.logger.Log(eventloop.LogEntry{
			Level: eventloop.LevelWarn, Category: "uasc-echo", Message: "feed failed, closing connection", Err: err,
			Context: map[string]interface{}{"connection_id": connID},
		})
		_ = s.mgr.CloseConnection(connID)
	}
}

func (s *echoServer) onClosed(connID uint64) {
	delete(s.chans, connID)
	delete(s.echoed, connID)
}

func buildLogger(backend, level string) (eventloop.Logger, error) {
	switch backend {
	case "zerolog":
		return newZerologLogger(parseZerologLevel(level)), nil
	case "logiface", "":
		return eventloop.NewLogifaceLogger(logiface.WithLevel[*stumpy.Event](parseLogifaceLevel(level))), nil
	default:
		return nil, fmt.Errorf("uasc-echo: unknown log backend %q", backend)
	}
}

func parseLogifaceLevel(s string) logiface.Level {
	switch s {
	case "debug":
		return logiface.LevelDebug
	case "warn":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func buildPolicy(uri, certFile, keyFile string) (security.Policy, error) {
	switch uri {
	case security.NonePolicyURI, "":
		return security.NewNonePolicy(), nil
	case security.Basic256Sha256PolicyURI:
		if certFile == "" || keyFile == "" {
			return nil, errors.New("uasc-echo: --cert and --key are required for Basic256Sha256")
		}
		certDER, priv, err := loadCertAndKey(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return security.NewBasic256Sha256Policy(certDER, priv), nil
	default:
		return nil, fmt.Errorf("uasc-echo: unsupported security policy %q", uri)
	}
}

func loadCertAndKey(certFile, keyFile string) ([]byte, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, fmt.Errorf("uasc-echo: read cert: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("uasc-echo: %s contains no PEM certificate", certFile)
	}
	if _, err := x509.ParseCertificate(certBlock.Bytes); err != nil {
		return nil, nil, fmt.Errorf("uasc-echo: parse cert: %w", err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("uasc-echo: read key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("uasc-echo: %s contains no PEM key", keyFile)
	}
	priv, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("uasc-echo: parse key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, errors.New("uasc-echo: key is not RSA")
		}
		priv = rsaKey
	}

	return certBlock.Bytes, priv, nil
}
