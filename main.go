package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/sirupsen/logrus"

	"github.com/aditya-sadavare/boltshare/config"
	"github.com/aditya-sadavare/boltshare/discovery"
	"github.com/aditya-sadavare/boltshare/models"
	"github.com/aditya-sadavare/boltshare/network"
	"github.com/aditya-sadavare/boltshare/relay"
	"github.com/aditya-sadavare/boltshare/signaling"
	"github.com/aditya-sadavare/boltshare/storage"
)

const usage = `usage:
  boltshare relay   [-listen addr] [-advertise]
  boltshare send    [-relay url] [-code CODE] [-stall d] <file>
  boltshare receive [-relay url] [-out dir] [-stall d] <code>
  boltshare history [-limit n]
`

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}
	logrus.SetLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "relay":
		err = runRelay(ctx, cfg, args)
	case "send":
		err = runSend(ctx, cfg, dataDir, args)
	case "receive":
		err = runReceive(ctx, cfg, dataDir, args)
	case "history":
		err = runHistory(dataDir, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name string, cfg *config.Config) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	return fs, logLevel
}

func applyLogLevel(raw string) {
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		logrus.WithField("level", raw).Warn("Unknown log level, keeping current level")
		return
	}
	logrus.SetLevel(level)
}

func runRelay(ctx context.Context, cfg *config.Config, args []string) error {
	fs, logLevel := newFlagSet("relay", cfg)
	listen := fs.String("listen", cfg.RelayListenAddress, "relay listen address")
	advertise := fs.Bool("advertise", cfg.AdvertiseRelay, "advertise the relay on the LAN over mDNS")
	_ = fs.Parse(args)
	applyLogLevel(*logLevel)

	server, err := relay.Listen(*listen, relay.Options{
		SessionTTL:    cfg.SessionTTL(),
		SweepInterval: cfg.SweepInterval(),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.WithError(err).Warn("Relay close failed")
		}
	}()

	fmt.Printf("Relay URL:       %s\n", server.URL())

	if *advertise {
		port, err := discovery.PortFromAddr(server.Addr())
		if err != nil {
			return err
		}
		instance := "boltshare-relay"
		if host, err := os.Hostname(); err == nil && host != "" {
			instance = host
		}
		advertiser, err := discovery.StartAdvertiser(discovery.Config{InstanceName: instance, Port: port})
		if err != nil {
			logrus.WithError(err).Warn("Relay advertisement failed")
		} else {
			defer advertiser.Stop()
			fmt.Println("Discovery:       advertising")
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

func runSend(ctx context.Context, cfg *config.Config, dataDir string, args []string) error {
	fs, logLevel := newFlagSet("send", cfg)
	relayURL := fs.String("relay", cfg.RelayURL, "relay websocket URL, or auto")
	code := fs.String("code", "", "session code (generated when empty)")
	stall := fs.Duration("stall", cfg.StallTimeout(), "fail after this long without transfer traffic (0 disables)")
	_ = fs.Parse(args)
	applyLogLevel(*logLevel)

	if fs.NArg() != 1 {
		return errors.New("send needs exactly one file argument")
	}

	sessionCode := signaling.NormalizeCode(*code)
	if sessionCode == "" {
		generated, err := signaling.GenerateCode()
		if err != nil {
			return err
		}
		sessionCode = generated
	}

	manager, closeStore, err := newManager(ctx, cfg, dataDir, *relayURL, "", *stall)
	if err != nil {
		return err
	}
	defer closeStore()

	fmt.Printf("Session code:    %s\n", sessionCode)
	result, err := manager.Send(ctx, fs.Arg(0), sessionCode)
	finishProgressLine()
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s (%d bytes) in %s over %s\n",
		result.Metadata.Name, result.BytesMoved, result.Duration.Round(time.Millisecond), modeLabel(result.Mode))
	return nil
}

func runReceive(ctx context.Context, cfg *config.Config, dataDir string, args []string) error {
	fs, logLevel := newFlagSet("receive", cfg)
	relayURL := fs.String("relay", cfg.RelayURL, "relay websocket URL, or auto")
	out := fs.String("out", cfg.DownloadDir, "download directory")
	stall := fs.Duration("stall", cfg.StallTimeout(), "fail after this long without transfer traffic (0 disables)")
	_ = fs.Parse(args)
	applyLogLevel(*logLevel)

	if fs.NArg() != 1 {
		return errors.New("receive needs exactly one session code")
	}
	if err := os.MkdirAll(*out, 0o700); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	manager, closeStore, err := newManager(ctx, cfg, dataDir, *relayURL, *out, *stall)
	if err != nil {
		return err
	}
	defer closeStore()

	result, err := manager.Receive(ctx, fs.Arg(0))
	finishProgressLine()
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s (%d bytes) in %s over %s\n",
		result.Path, result.BytesMoved, result.Duration.Round(time.Millisecond), modeLabel(result.Mode))
	return nil
}

func runHistory(dataDir string, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of records to show (0 for all)")
	_ = fs.Parse(args)

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := store.ListTransfers(*limit, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	for _, record := range records {
		started := time.UnixMilli(record.StartedAt).Format(time.DateTime)
		line := fmt.Sprintf("%s  %-8s  %s  %-12s  %-9s  %s (%d/%d bytes)",
			started, record.Role, record.Code, record.Status, record.Mode, record.Filename, record.BytesMoved, record.Filesize)
		if record.FailureReason != "" {
			line += fmt.Sprintf("  [%s: %s]", record.FailurePhase, record.FailureReason)
		}
		fmt.Println(line)
	}
	return nil
}

func newManager(ctx context.Context, cfg *config.Config, dataDir, relayURL, downloadDir string, stall time.Duration) (*network.Manager, func(), error) {
	if strings.EqualFold(relayURL, config.RelayURLAuto) {
		found, err := discovery.FindRelay(ctx, discovery.Config{})
		if err != nil {
			return nil, nil, err
		}
		relayURL = found
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("History close failed")
		}
	}

	manager := network.NewManager(network.ManagerOptions{
		RelayURL:     relayURL,
		ICEServers:   cfg.ICEServers,
		DownloadDir:  downloadDir,
		Store:        store,
		StallTimeout: stall,
		OnStatus:     printStatus,
		OnProgress:   newProgressPrinter(),
		OnMetadata: func(metadata models.FileMetadata) {
			fmt.Printf("Incoming:        %s (%d bytes, %s)\n", metadata.Name, metadata.Size, metadata.Type)
		},
	})
	return manager, closeStore, nil
}

func printStatus(status network.Status) {
	switch status.State {
	case network.StateAwaitingPeer:
		if status.Role == network.RoleSender {
			fmt.Println("Status:          receiver joined, negotiating")
		} else {
			fmt.Println("Status:          waiting for sender")
		}
	case network.StateChannelOpen:
		fmt.Printf("Status:          connected (%s)\n", modeLabel(status.Mode))
	}
}

func newProgressPrinter() func(models.ProgressSample) {
	bar := progress.New(progress.WithSolidFill("#7D56F4"), progress.WithWidth(32))
	return func(sample models.ProgressSample) {
		fmt.Print("\r" + renderProgress(bar, sample) + "   ")
	}
}

func renderProgress(bar progress.Model, sample models.ProgressSample) string {
	eta := "--"
	if !sample.ETAUnknown {
		eta = (time.Duration(sample.ETASeconds) * time.Second).String()
	}
	return fmt.Sprintf("%s %5.1f%%  %s/s  eta %s  [%s]",
		bar.ViewAs(sample.Percent()/100), sample.Percent(),
		formatBytes(int64(sample.SpeedBytesPerSec)), eta, modeLabel(sample.Mode))
}

func finishProgressLine() {
	fmt.Println()
}

func modeLabel(mode models.ConnectivityMode) string {
	switch mode {
	case models.ModeLocal:
		return "local network"
	case models.ModeWideArea:
		return "internet"
	default:
		return "detecting"
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
