// Command discorod runs one discoro instance: a peer-discovery, request-
// dispatch, and file-transfer node configured entirely from CLI flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/drep-project/discoro/instance"
	"github.com/drep-project/discoro/internal/logx"
	"github.com/drep-project/discoro/registry"
)

var (
	udpPortFlag = cli.IntFlag{Name: "udp-port", Usage: "UDP discovery port (0 = default 51350)"}
	tcpPortFlag = cli.IntFlag{Name: "tcp-port", Usage: "TCP listen port (0 = ephemeral)"}
	nodeFlag    = cli.StringFlag{Name: "node", Value: "0.0.0.0", Usage: "bind address"}
	extAddrFlag = cli.StringFlag{Name: "ext-addr", Usage: "advertised external address override"}
	nameFlag    = cli.StringFlag{Name: "name", Usage: "unique peer name (defaults to addr:port)"}
	secretFlag  = cli.StringFlag{Name: "secret", Usage: "shared auth secret; empty runs unauthenticated"}
	certFlag    = cli.StringFlag{Name: "certfile", Usage: "TLS certificate file"}
	keyFlag     = cli.StringFlag{Name: "keyfile", Usage: "TLS key file"}
	destFlag    = cli.StringFlag{Name: "dest-path-prefix", Value: "/tmp/discoro", Usage: "file-transfer root directory"}
	maxSizeFlag = cli.Int64Flag{Name: "max-file-size", Usage: "max accepted file size in bytes (0 = no limit)"}
	verboseFlag = cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"}
)

func main() {
	app := cli.NewApp()
	app.Name = "discorod"
	app.Usage = "run a discoro peer-to-peer coroutine transport instance"
	app.Flags = []cli.Flag{
		udpPortFlag, tcpPortFlag, nodeFlag, extAddrFlag, nameFlag,
		secretFlag, certFlag, keyFlag, destFlag, maxSizeFlag, verboseFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logx.New("discorod")
	if c.Bool(verboseFlag.Name) {
		logx.SetLevel(logrus.DebugLevel)
	}

	cfg := instance.Config{
		UDPPort:        uint16(c.Int(udpPortFlag.Name)),
		TCPPort:        uint16(c.Int(tcpPortFlag.Name)),
		Node:           c.String(nodeFlag.Name),
		ExtIPAddr:      c.String(extAddrFlag.Name),
		Name:           c.String(nameFlag.Name),
		Secret:         c.String(secretFlag.Name),
		CertFile:       c.String(certFlag.Name),
		KeyFile:        c.String(keyFlag.Name),
		DestPathPrefix: c.String(destFlag.Name),
		MaxFileSize:    c.Int64(maxSizeFlag.Name),
		StreamPeers:    []registry.StreamTarget{},
	}

	inst, err := instance.New(cfg)
	if err != nil {
		return fmt.Errorf("discorod: construct instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("discorod: start instance: %w", err)
	}
	log.WithField("self", inst.Self.String()).Info("discorod running, press ctrl-c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	inst.Stop()
	return nil
}
