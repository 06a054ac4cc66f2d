package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/soltara/satdec/internal/logger"
	"github.com/soltara/satdec/internal/satdec/decoder"
	"github.com/soltara/satdec/internal/satdec/directory"
	"github.com/soltara/satdec/internal/satdec/flash"
	"github.com/soltara/satdec/internal/satdec/link"
	"github.com/soltara/satdec/internal/satdec/provision"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "boot")

	secrets, err := provision.LoadFile(cfg.secretsPath)
	if err != nil {
		log.Error("failed to load provisioning secrets", "error", err)
		os.Exit(1)
	}

	// The raw flash controller (page-erase, 128-bit aligned read/write) is
	// an out-of-scope external collaborator (spec §1); Emulated stands in
	// for it here so this binary runs without real hardware.
	dev := flash.NewEmulated(directory.BaseAddress+uint32(directory.MaxSubs)*directory.PageSize, directory.PageSize)
	dir := directory.New(flash.New(dev))

	dec, err := decoder.New(dir, secrets)
	if err != nil {
		log.Error("failed to initialize active channels from directory", "error", err)
		os.Exit(1)
	}
	log.Info("booted", "decoder_id", fmt.Sprintf("0x%08X", secrets.DecoderID), "active_channels", len(dec.ActiveChannels()))

	// The serial UART is an out-of-scope external collaborator assumed to
	// present blocking byte-oriented read/write (spec §1); a TCP listener
	// accepting one connection at a time stands in for it here.
	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		log.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	defer ln.Close()
	log.Info("host link listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	runDispatchLoop(ctx, ln, dec, log)
}

// runDispatchLoop accepts host connections one at a time and runs the
// single-threaded Host Link dispatch loop over each (spec §5: strictly one
// command at a time, no concurrency across requests).
func runDispatchLoop(ctx context.Context, ln net.Listener, dec *decoder.Decoder, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return
			}
			log.Error("accept failed", "error", err)
			return
		}

		log.Info("host connected", "remote", conn.RemoteAddr().String())
		d := link.NewDispatcher(conn, dec)
		if err := d.Serve(); err != nil && !errors.Is(err, io.EOF) {
			log.Error("dispatch loop ended", "error", err)
		}
		conn.Close()
	}
}
